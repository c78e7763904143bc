package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

// Envelope format: magic, format version, scrypt salt, then a sequence of
// length-prefixed AES-256-GCM chunks. Each chunk is nonce || ciphertext and
// is authenticated against its position in the stream, so chunks cannot be
// dropped, duplicated or reordered undetected.
const (
	envelopeMagic   = "CBAKENC1"
	envelopeVersion = 1

	envelopeSaltLength = 16
	envelopeChunkSize  = 4 << 20

	scryptN = 65536
	scryptR = 8
	scryptP = 1
)

var errMalformedEnvelope = errors.New("malformed encryption envelope")

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)

	return key, errors.Wrap(err, "unable to derive key")
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create cipher")
	}

	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create cipher")
	}

	return aead, nil
}

type envelopeWriter struct {
	w     io.Writer
	aead  cipher.AEAD
	buf   []byte
	index uint64
}

func newEnvelopeWriter(w io.Writer, passphrase string) (*envelopeWriter, error) {
	salt := make([]byte, envelopeSaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "error reading random bytes for salt")
	}

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, 0, len(envelopeMagic)+1+envelopeSaltLength)
	hdr = append(hdr, envelopeMagic...)
	hdr = append(hdr, envelopeVersion)
	hdr = append(hdr, salt...)

	if _, err := w.Write(hdr); err != nil {
		return nil, errors.Wrap(err, "unable to write envelope header")
	}

	return &envelopeWriter{w: w, aead: aead, buf: make([]byte, 0, envelopeChunkSize)}, nil
}

func (e *envelopeWriter) Write(p []byte) (int, error) {
	total := len(p)

	for len(p) > 0 {
		room := envelopeChunkSize - len(e.buf)
		if room > len(p) {
			room = len(p)
		}

		e.buf = append(e.buf, p[:room]...)
		p = p[room:]

		if len(e.buf) == envelopeChunkSize {
			if err := e.flushChunk(); err != nil {
				return 0, err
			}
		}
	}

	return total, nil
}

// Close flushes the final chunk. It does not close the underlying writer.
func (e *envelopeWriter) Close() error {
	if len(e.buf) > 0 || e.index == 0 {
		return e.flushChunk()
	}

	return nil
}

func (e *envelopeWriter) flushChunk() error {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return errors.Wrap(err, "error reading random bytes for nonce")
	}

	sealed := e.aead.Seal(nil, nonce, e.buf, chunkAAD(e.index))
	e.buf = e.buf[:0]
	e.index++

	var lenbuf [4]byte

	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(nonce)+len(sealed))) //nolint:gosec

	if _, err := e.w.Write(lenbuf[:]); err != nil {
		return errors.Wrap(err, "unable to write chunk length")
	}

	if _, err := e.w.Write(nonce); err != nil {
		return errors.Wrap(err, "unable to write chunk nonce")
	}

	if _, err := e.w.Write(sealed); err != nil {
		return errors.Wrap(err, "unable to write chunk")
	}

	return nil
}

func chunkAAD(index uint64) []byte {
	var b [8]byte

	binary.BigEndian.PutUint64(b[:], index)

	return b[:]
}

type envelopeReader struct {
	r     io.Reader
	aead  cipher.AEAD
	plain []byte
	index uint64
	eof   bool
}

func newEnvelopeReader(r io.Reader, passphrase string) (*envelopeReader, error) {
	if passphrase == "" {
		return nil, errors.New("artifact is encrypted and no passphrase was provided")
	}

	salt, err := readEnvelopeHeader(r)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	return &envelopeReader{r: r, aead: aead}, nil
}

func readEnvelopeHeader(r io.Reader) ([]byte, error) {
	hdr := make([]byte, len(envelopeMagic)+1+envelopeSaltLength)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errors.Wrap(errMalformedEnvelope, "short header")
	}

	if string(hdr[:len(envelopeMagic)]) != envelopeMagic {
		return nil, errors.Wrap(errMalformedEnvelope, "bad magic")
	}

	if hdr[len(envelopeMagic)] != envelopeVersion {
		return nil, errors.Wrapf(errMalformedEnvelope, "unsupported version %v", hdr[len(envelopeMagic)])
	}

	return hdr[len(envelopeMagic)+1:], nil
}

func (e *envelopeReader) Read(p []byte) (int, error) {
	for len(e.plain) == 0 {
		if e.eof {
			return 0, io.EOF
		}

		if err := e.readChunk(); err != nil {
			return 0, err
		}
	}

	n := copy(p, e.plain)
	e.plain = e.plain[n:]

	return n, nil
}

func (e *envelopeReader) readChunk() error {
	var lenbuf [4]byte

	if _, err := io.ReadFull(e.r, lenbuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			e.eof = true
			return nil
		}

		return errors.Wrap(errMalformedEnvelope, "short chunk length")
	}

	chunkLen := binary.BigEndian.Uint32(lenbuf[:])
	if chunkLen < uint32(e.aead.NonceSize()+e.aead.Overhead()) || chunkLen > envelopeChunkSize+uint32(e.aead.NonceSize()+e.aead.Overhead()) { //nolint:gosec
		return errors.Wrapf(errMalformedEnvelope, "invalid chunk length %v", chunkLen)
	}

	chunk := make([]byte, chunkLen)
	if _, err := io.ReadFull(e.r, chunk); err != nil {
		return errors.Wrap(errMalformedEnvelope, "short chunk")
	}

	nonce := chunk[:e.aead.NonceSize()]
	sealed := chunk[e.aead.NonceSize():]

	plain, err := e.aead.Open(nil, nonce, sealed, chunkAAD(e.index))
	if err != nil {
		return errors.New("unable to decrypt artifact, invalid passphrase?")
	}

	e.index++
	e.plain = plain

	return nil
}

// VerifyEnvelope checks that the encryption envelope of the artifact at the
// given path is well-formed (header and chunk framing) without decrypting
// any content.
func VerifyEnvelope(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "unable to open artifact")
	}
	defer f.Close() //nolint:errcheck

	if _, err := readEnvelopeHeader(f); err != nil {
		return err
	}

	const maxChunkLen = envelopeChunkSize + 12 + 16 + 1024

	nchunks := 0

	for {
		var lenbuf [4]byte

		if _, err := io.ReadFull(f, lenbuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return errors.Wrap(errMalformedEnvelope, "short chunk length")
		}

		chunkLen := binary.BigEndian.Uint32(lenbuf[:])
		if chunkLen == 0 || chunkLen > maxChunkLen {
			return errors.Wrapf(errMalformedEnvelope, "invalid chunk length %v", chunkLen)
		}

		if _, err := f.Seek(int64(chunkLen), io.SeekCurrent); err != nil {
			return errors.Wrap(errMalformedEnvelope, "truncated chunk")
		}

		nchunks++
	}

	if nchunks == 0 {
		return errors.Wrap(errMalformedEnvelope, "no chunks")
	}

	// Seek past EOF does not fail, so confirm the final offset matches the
	// actual file size.
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "unable to determine envelope size")
	}

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "unable to stat artifact")
	}

	if pos != fi.Size() {
		return errors.Wrap(errMalformedEnvelope, "truncated final chunk")
	}

	return nil
}
