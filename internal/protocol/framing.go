package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameReader splits a raw byte stream into frames using the leading
// length field. Swarm transports that already deliver whole frames do
// not need it.
type FrameReader struct {
	r      io.Reader
	prefix [4]byte
}

// NewFrameReader creates a FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadRaw reads the next whole serialized frame, unparsed.
func (fr *FrameReader) ReadRaw() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.prefix[:])
	if length < MinFrameSize {
		return nil, fmt.Errorf("%w: length %d below minimum", ErrInvalidFrame, length)
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, length)
	copy(buf, fr.prefix[:])
	if _, err := io.ReadFull(fr.r, buf[4:]); err != nil {
		return nil, err
	}

	return buf, nil
}

// Read reads and parses the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	buf, err := fr.ReadRaw()
	if err != nil {
		return nil, err
	}
	return Decode(buf)
}

// FrameWriter writes serialized frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write serializes and writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}
