// Package archive keeps a compressed copy of every on-chain metadata document
// the scanner accepted.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"

	"github.com/klauspost/compress/zstd"

	"registryd/pkg/s3"
)

const (
	contentType     = "application/json"
	contentEncoding = "zstd"
)

// Putter stores one object.
type Putter interface {
	Put(ctx context.Context, obj s3.Object) error
}

// Archive writes compressed raw metadata documents to a bucket.
type Archive struct {
	bucket  string
	putter  Putter
	encoder *zstd.Encoder
}

// New returns an Archive writing to bucket through putter.
func New(putter Putter, bucket string) (*Archive, error) {
	if putter == nil {
		return nil, errors.New("putter is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return &Archive{bucket: bucket, putter: putter, encoder: encoder}, nil
}

// Key is the object key of the document minted for assetID in txHash.
func Key(policyID, assetID, txHash string) string {
	return path.Join("metadata", policyID, assetID, txHash+".json.zst")
}

// Archive compresses raw and uploads it. The uncompressed digest travels as
// object metadata so a restored document can be verified.
func (a *Archive) Archive(ctx context.Context, policyID, assetID, txHash string, raw []byte) error {
	if len(raw) == 0 {
		return errors.New("metadata document is empty")
	}
	sum := sha256.Sum256(raw)
	err := a.putter.Put(ctx, s3.Object{
		Bucket:          a.bucket,
		Key:             Key(policyID, assetID, txHash),
		Body:            a.encoder.EncodeAll(raw, nil),
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		Metadata: map[string]string{
			"raw-sha256": hex.EncodeToString(sum[:]),
			"tx-hash":    txHash,
		},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", assetID, err)
	}
	return nil
}

// Decode reverses the compression applied by Archive.
func Decode(body []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()
	return decoder.DecodeAll(body, nil)
}
