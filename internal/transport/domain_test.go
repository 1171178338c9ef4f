package transport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcsp-io/mcsp/internal/codec"
	"github.com/mcsp-io/mcsp/internal/llm"
	"github.com/mcsp-io/mcsp/internal/transport"
)

// TestBroadcastServerCarriesDomainSumType exercises BroadcastServer and
// DuplexClient with llm.Output, a real sum type built on codec.Union,
// instead of a bare primitive Codec.
func TestBroadcastServerCarriesDomainSumType(t *testing.T) {
	t.Parallel()

	srv, err := transport.NewBroadcastServer("127.0.0.1:0", llm.OutputCodec)
	require.NoError(t, err)
	defer srv.Close()

	client, err := transport.Connect(srv.Addr().String(), llm.OutputCodec)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return srv.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Send(llm.TokenOutput{Text: "hel"}))
	require.NoError(t, srv.Send(llm.TokenOutput{Text: "lo"}))
	require.NoError(t, srv.Send(llm.EosOutput{}))

	got1, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, llm.TokenOutput{Text: "hel"}, got1)

	got2, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, llm.TokenOutput{Text: "lo"}, got2)

	got3, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, llm.EosOutput{}, got3)
}

// domainRecord is a product type (struct) encoded with codec.EncodeStruct /
// codec.DecodeStruct, proving BroadcastServer works with the reflection
// codec path too, not just a hand-written Codec[T].
type domainRecord struct {
	UtteranceID uint64
	VoiceName   string
	SampleRate  uint32
}

type domainRecordCodec struct{}

func (domainRecordCodec) Encode(buf []byte, v domainRecord) []byte {
	return codec.EncodeStruct(buf, v)
}

func (domainRecordCodec) Decode(c *codec.Cursor) (domainRecord, error) {
	var v domainRecord
	if err := codec.DecodeStruct(c, &v); err != nil {
		return domainRecord{}, err
	}

	return v, nil
}

func TestBroadcastServerCarriesStructDomainType(t *testing.T) {
	t.Parallel()

	srv, err := transport.NewBroadcastServer("127.0.0.1:0", domainRecordCodec{})
	require.NoError(t, err)
	defer srv.Close()

	client, err := transport.Connect(srv.Addr().String(), domainRecordCodec{})
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return srv.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	want := domainRecord{UtteranceID: 42, VoiceName: "narrator", SampleRate: 24000}
	require.NoError(t, srv.Send(want))

	got, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
