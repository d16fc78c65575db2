package receipts

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"

	"github.com/mdzesseis/knhkd/internal/kernelerr"
)

// writeWALRecord writes one record in the on-disk wire shape: a 4-byte little-endian length
// prefix, the payload, then a 4-byte CRC32 (IEEE) of the payload. CRC32
// is specified literally by spec.md §4.A/§6 as the wire checksum, so
// hash/crc32 is used directly rather than through a third-party wrapper.
func writeWALRecord(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	sum := crc32.ChecksumIEEE(payload)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum)
	_, err := w.Write(crcBuf[:])
	return err
}

// readWALRecord reads one length-prefixed, CRC-protected record. It
// returns io.EOF cleanly at a well-formed end of stream, and a
// CodeCorruptRecord/CodeUnexpectedEOF KernelError for any truncation or
// checksum mismatch, never panicking on a malformed tail (e.g. a crash
// mid-write).
func readWALRecord(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, kernelerr.New(kernelerr.CodeUnexpectedEOF, "receipts", "readWALRecord",
			"truncated length prefix").Wrap(err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, kernelerr.New(kernelerr.CodeUnexpectedEOF, "receipts", "readWALRecord",
			"truncated payload").Wrap(err)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, kernelerr.New(kernelerr.CodeUnexpectedEOF, "receipts", "readWALRecord",
			"truncated crc").Wrap(err)
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	got := crc32.ChecksumIEEE(payload)
	if want != got {
		return nil, kernelerr.New(kernelerr.CodeCorruptRecord, "receipts", "readWALRecord",
			"crc32 mismatch")
	}
	return payload, nil
}

// walSegment wraps one open WAL file for append-only writing.
type walSegment struct {
	f        *os.File
	w        *bufio.Writer
	path     string
	syncMode string
}

func openWALSegment(path string, sync string) (*walSegment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &walSegment{f: f, w: bufio.NewWriter(f), path: path, syncMode: sync}, nil
}

func (s *walSegment) append(payload []byte) error {
	if err := writeWALRecord(s.w, payload); err != nil {
		return err
	}
	if s.syncMode == "immediate" {
		if err := s.w.Flush(); err != nil {
			return err
		}
		return s.f.Sync()
	}
	return nil
}

func (s *walSegment) flush() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *walSegment) close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// readAllWALRecords reads every well-formed record from path in order.
// A truncated final record (length/payload/crc cut short) is treated as
// the live tail of an in-progress write and is dropped silently,
// matching an append-only log's normal crash-recovery semantics. A CRC
// mismatch is different: it means a complete record was written and then
// altered or bit-rotted on disk, which is tamper, not a crash tail — the
// caller gets corrupted=true so it can raise a ReceiptTamper record
// instead of quietly losing every receipt after the damaged one.
func readAllWALRecords(path string) (recs [][]byte, corrupted bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, rerr := readWALRecord(r)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			var ke *kernelerr.KernelError
			if errors.As(rerr, &ke) && ke.Code == kernelerr.CodeCorruptRecord {
				corrupted = true
			}
			break
		}
		recs = append(recs, rec)
	}
	return recs, corrupted, nil
}
