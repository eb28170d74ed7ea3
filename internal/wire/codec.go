package wire

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/binary"
	"hash/crc32"

	"github.com/roborock-go/rrcore/internal/errs"
)

// KeySet is the (local_key, connect_nonce, ack_nonce) triple that
// parameterizes one LocalChannel's encoder and decoder. Both sides agree on
// this triple after HELLO before any RPC is sent.
type KeySet struct {
	LocalKey    []byte
	ConnectNonce uint32
	AckNonce    uint32 // only meaningful once "L01" has been negotiated
}

// ecbKey returns the AES-128 key used for version "1.0" frames: md5(local_key||timestamp).
func ecbKey(localKey []byte, timestamp uint32) []byte {
	h := md5.New()
	h.Write(localKey)
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], timestamp)
	h.Write(ts[:])
	return h.Sum(nil)
}

// cbcKeyIV derives the AES-128-CBC key and IV used for version "L01" frames.
func cbcKeyIV(localKey []byte, connectNonce, ackNonce uint32) (key, iv []byte) {
	var cn, an [4]byte
	binary.BigEndian.PutUint32(cn[:], connectNonce)
	binary.BigEndian.PutUint32(an[:], ackNonce)

	hk := md5.New()
	hk.Write(localKey)
	hk.Write(cn[:])
	hk.Write(an[:])
	key = hk.Sum(nil)

	hi := md5.New()
	hi.Write(key)
	hi.Write(cn[:])
	hi.Write(an[:])
	iv = hi.Sum(nil)[:16]
	return key, iv
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.KindDecryptFail, "empty payload after decrypt")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, errs.New(errs.KindDecryptFail, "invalid pkcs7 padding")
	}
	return data[:len(data)-padLen], nil
}

func ecbEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecryptFail, "aes cipher init", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return out, nil
}

func ecbDecrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errs.New(errs.KindDecryptFail, "ciphertext not block-aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecryptFail, "aes cipher init", err)
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}
	return pkcs7Unpad(out)
}

func cbcEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecryptFail, "aes cipher init", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func cbcDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errs.New(errs.KindDecryptFail, "ciphertext not block-aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecryptFail, "aes cipher init", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

// Encoder turns a Frame into wire bytes using one fixed KeySet.
type Encoder struct {
	keys KeySet
}

func NewEncoder(keys KeySet) *Encoder {
	return &Encoder{keys: keys}
}

// Encode serializes f, encrypting its payload per f.Version, and appends the CRC trailer.
func (e *Encoder) Encode(f Frame) ([]byte, error) {
	cipherPayload, err := e.encryptPayload(f)
	if err != nil {
		return nil, err
	}
	if len(cipherPayload) > 0xFFFF {
		return nil, errs.New(errs.KindShortFrame, "payload too large to frame")
	}

	buf := make([]byte, 0, headerLen+len(cipherPayload)+crcLen)
	buf = append(buf, Magic[0], Magic[1])
	buf = append(buf, versionBytes(f.Version)...)
	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], f.Sequence)
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint32(tmp4[:], f.Random)
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint32(tmp4[:], f.Timestamp)
	buf = append(buf, tmp4[:]...)
	var tmp2 [2]byte
	binary.BigEndian.PutUint16(tmp2[:], uint16(f.Protocol))
	buf = append(buf, tmp2[:]...)
	binary.BigEndian.PutUint16(tmp2[:], uint16(len(cipherPayload)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, cipherPayload...)

	crc := crc32.ChecksumIEEE(buf)
	binary.BigEndian.PutUint32(tmp4[:], crc)
	buf = append(buf, tmp4[:]...)
	return buf, nil
}

func (e *Encoder) encryptPayload(f Frame) ([]byte, error) {
	if f.IsHandshake() || len(f.Payload) == 0 {
		return f.Payload, nil
	}
	switch f.Version {
	case VersionV1:
		return ecbEncrypt(ecbKey(e.keys.LocalKey, f.Timestamp), f.Payload)
	case VersionL01:
		key, iv := cbcKeyIV(e.keys.LocalKey, e.keys.ConnectNonce, e.keys.AckNonce)
		return cbcEncrypt(key, iv, f.Payload)
	default:
		return nil, errs.New(errs.KindUnknownVersion, f.Version)
	}
}

func versionBytes(v string) []byte {
	b := make([]byte, 3)
	copy(b, v)
	return b
}

// Decoder is a streaming state machine: Feed may be called with any split of
// bytes across TCP reads and yields zero, one, or many complete frames,
// preserving a residual buffer of unconsumed bytes across calls.
type Decoder struct {
	keys KeySet
	buf  []byte
}

func NewDecoder(keys KeySet) *Decoder {
	return &Decoder{keys: keys}
}

// UpdateKeys swaps the key material used for subsequent decrypts, e.g. once
// ack_nonce becomes known after the HELLO response.
func (d *Decoder) UpdateKeys(keys KeySet) {
	d.keys = keys
}

// Feed appends data to the residual buffer and extracts every complete,
// CRC-valid frame it can. Frames with a bad CRC are dropped and the stream
// position advances past them; a header whose payload length runs past the
// buffered bytes is kept until more data arrives. A frame that fails to
// decrypt is dropped too, consuming no more bytes than belong to it. The
// first error of the call is returned so the caller can log it.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)

	var frames []Frame
	var firstErr error
	for {
		f, consumed, err := d.tryOne()
		if consumed == 0 {
			break // need more bytes
		}
		d.buf = d.buf[consumed:]
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		frames = append(frames, f)
	}
	return frames, firstErr
}

// tryOne attempts to decode exactly one frame from the head of d.buf.
// Returns consumed == 0 when more bytes are needed.
func (d *Decoder) tryOne() (Frame, int, error) {
	if len(d.buf) < headerLen {
		return Frame{}, 0, nil
	}
	payloadLen := int(binary.BigEndian.Uint16(d.buf[headerLen-2 : headerLen]))
	total := headerLen + payloadLen + crcLen
	if len(d.buf) < total {
		return Frame{}, 0, nil
	}

	raw := d.buf[:total]
	wantCRC := binary.BigEndian.Uint32(raw[total-crcLen:])
	gotCRC := crc32.ChecksumIEEE(raw[:total-crcLen])
	if wantCRC != gotCRC {
		return Frame{}, total, errs.New(errs.KindBadCrc, "crc mismatch")
	}

	f := Frame{
		Version:   string(bytes.TrimRight(raw[2:5], "\x00")),
		Sequence:  binary.BigEndian.Uint32(raw[5:9]),
		Random:    binary.BigEndian.Uint32(raw[9:13]),
		Timestamp: binary.BigEndian.Uint32(raw[13:17]),
		Protocol:  int(binary.BigEndian.Uint16(raw[17:19])),
	}
	cipherPayload := raw[headerLen : headerLen+payloadLen]

	plain, err := d.decryptPayload(f, cipherPayload)
	if err != nil {
		return f, total, err
	}
	f.Payload = plain
	return f, total, nil
}

func (d *Decoder) decryptPayload(f Frame, cipherPayload []byte) ([]byte, error) {
	if f.IsHandshake() || len(cipherPayload) == 0 {
		return cipherPayload, nil
	}
	switch f.Version {
	case VersionV1:
		return ecbDecrypt(ecbKey(d.keys.LocalKey, f.Timestamp), cipherPayload)
	case VersionL01:
		key, iv := cbcKeyIV(d.keys.LocalKey, d.keys.ConnectNonce, d.keys.AckNonce)
		return cbcDecrypt(key, iv, cipherPayload)
	default:
		return nil, errs.New(errs.KindUnknownVersion, f.Version)
	}
}
