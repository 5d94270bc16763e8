package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registryd/pkg/s3"
)

type memPutter struct {
	mu      sync.Mutex
	objects []s3.Object
	err     error
}

func (m *memPutter) Put(_ context.Context, obj s3.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.objects = append(m.objects, obj)
	return nil
}

const (
	policy = "7eae28af2208be856f7a119668ae52a49b73725e326dc16579dcc373"
	asset  = policy + "6167656e7431"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "metadata/"+policy+"/"+asset+"/abc123.json.zst", Key(policy, asset, "abc123"))
}

func TestArchiveRoundTrip(t *testing.T) {
	p := &memPutter{}
	a, err := New(p, "registry-archive")
	require.NoError(t, err)

	raw := []byte(`{"name":"Agent One","tags":["nlp"],"metadata_version":1}`)
	require.NoError(t, a.Archive(context.Background(), policy, asset, "abc123", raw))

	require.Len(t, p.objects, 1)
	obj := p.objects[0]
	assert.Equal(t, "registry-archive", obj.Bucket)
	assert.Equal(t, Key(policy, asset, "abc123"), obj.Key)
	assert.Equal(t, "application/json", obj.ContentType)
	assert.Equal(t, "zstd", obj.ContentEncoding)
	assert.Equal(t, "abc123", obj.Metadata["tx-hash"])

	sum := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), obj.Metadata["raw-sha256"])

	decoded, err := Decode(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestArchiveErrors(t *testing.T) {
	_, err := New(nil, "bucket")
	assert.Error(t, err)
	_, err = New(&memPutter{}, "")
	assert.Error(t, err)

	p := &memPutter{err: errors.New("access denied")}
	a, err := New(p, "bucket")
	require.NoError(t, err)
	err = a.Archive(context.Background(), policy, asset, "tx", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	assert.Error(t, a.Archive(context.Background(), policy, asset, "tx", nil))
}
