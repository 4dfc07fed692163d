package retention

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Codec — подключаемый компрессор архивных страниц
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// GzipCodec — кодек по умолчанию (stdlib gzip, уровень default)
type GzipCodec struct{}

func (GzipCodec) Name() string { return "gzip" }

func (GzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipCodec) Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// NoopCodec — сквозной кодек, когда компрессия выключена политикой
type NoopCodec struct{}

func (NoopCodec) Name() string { return "none" }
func (NoopCodec) Compress(data []byte) ([]byte, error) { return data, nil }
func (NoopCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

// Encryptor — внешний коллаборатор шифрования (KMS/HSM вне зоны ядра).
// Ядро лишь вызывает его на границе записи/чтения архивного объекта.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// NoopEncryptor используется, когда политика не требует шифрования
type NoopEncryptor struct{}

func (NoopEncryptor) Encrypt(_ context.Context, p []byte) ([]byte, error) { return p, nil }
func (NoopEncryptor) Decrypt(_ context.Context, c []byte) ([]byte, error) { return c, nil }

// AESGCMEncryptor — шифрование архива локальным ключом (AES-256-GCM).
// Nonce пишется префиксом шифротекста. Для инсталляций без внешнего KMS.
type AESGCMEncryptor struct {
	aead cipher.AEAD
}

func NewAESGCMEncryptor(key []byte) (*AESGCMEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("archive encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCMEncryptor{aead: aead}, nil
}

func (e *AESGCMEncryptor) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESGCMEncryptor) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	return e.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}
