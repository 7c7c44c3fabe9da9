package identity

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/model"
)

func seed(b byte) []byte { return bytes.Repeat([]byte{b}, 32) }

func TestEncryptDecrypt(t *testing.T) {
	k, err := FromSeed(seed(1))
	require.NoError(t, err)
	ctx := context.Background()

	ct, err := k.Encrypt(ctx, `[["title","x"]]`)
	require.NoError(t, err)
	assert.NotContains(t, ct, "title")

	plain, err := k.Decrypt(ctx, model.RawEvent{PubKey: k.PublicKey(), Content: ct})
	require.NoError(t, err)
	assert.Equal(t, `[["title","x"]]`, plain)
}

func TestDecryptRejectsOtherKeys(t *testing.T) {
	a, _ := FromSeed(seed(1))
	b, _ := FromSeed(seed(2))
	ctx := context.Background()

	ct, err := a.Encrypt(ctx, "secret")
	require.NoError(t, err)

	_, err = b.Decrypt(ctx, model.RawEvent{PubKey: a.PublicKey(), Content: ct})
	assert.ErrorIs(t, err, ErrNotRecipient)

	_, err = b.Decrypt(ctx, model.RawEvent{Content: ct})
	assert.Error(t, err)

	_, err = a.Decrypt(ctx, model.RawEvent{Content: "plain text"})
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	k, _ := FromSeed(seed(3))
	ev := model.RawEvent{Kind: model.KindMessage, CreatedAt: time.Unix(10, 0), Content: "x"}
	require.NoError(t, k.Sign(context.Background(), &ev))
	assert.Equal(t, k.PublicKey(), ev.PubKey)
	assert.NoError(t, Verify(ev))

	ev.Content = "tampered"
	assert.ErrorIs(t, Verify(ev), ErrBadSignature)
}

func TestFromSeedValidates(t *testing.T) {
	_, err := FromSeed([]byte("short"))
	assert.ErrorIs(t, err, ErrBadSeed)
	_, err = FromHex("zz")
	assert.Error(t, err)
}

func TestCodecWithKeypair(t *testing.T) {
	k, _ := FromSeed(seed(4))
	c := codec.New(k, nil)
	ctx := context.Background()

	ev, err := c.EncodeMessage(ctx, model.Message{ID: "m1", ChatID: "c1", Content: "private words"}, time.Unix(20, 0))
	require.NoError(t, err)
	require.NoError(t, Verify(ev))

	got, src, err := c.DecodeMessage(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, codec.BodyDecrypted, src)
	assert.Equal(t, "private words", got.Content)

	// a reader without the key keeps the ciphertext, which is not a tag list
	_, _, err = codec.NewReader(nil, nil).DecodeMessage(ctx, ev)
	assert.ErrorIs(t, err, codec.ErrMalformedBody)
}
