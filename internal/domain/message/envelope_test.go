package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
)

func TestDecode(t *testing.T) {
	pair, err := keys.Generate()
	require.NoError(t, err)
	other, err := keys.Generate()
	require.NoError(t, err)
	tf := timeframe.New(timeframe.Frame{Key: pair.Public, Seq: 3}, timeframe.Frame{Key: other.Public, Seq: 0})
	cred := credential.Issue(pair, other.Public, pair.Public, credential.IDENTITY, credential.ADMIT, credential.GenesisHash(other.Public))

	withUnknown := Encode(NewMutations(tf, "b1", []byte("m")))
	withUnknown = protowire.AppendTag(withUnknown, 42, protowire.BytesType)
	withUnknown = protowire.AppendBytes(withUnknown, []byte("newer field"))

	tests := []struct {
		name    string
		input   []byte
		check   func(t *testing.T, e Envelope)
		wantErr bool
	}{
		{
			name:  "mutations",
			input: Encode(NewMutations(tf, "batch-1", []byte("a"), []byte("b"))),
			check: func(t *testing.T, e Envelope) {
				assert.EqualValues(t, MUTATION, e.Kind)
				assert.EqualValues(t, CurrentVersion, e.Version)
				assert.EqualValues(t, "batch-1", e.BatchId)
				assert.EqualValues(t, [][]byte{[]byte("a"), []byte("b")}, e.Mutations)
				assert.True(t, tf.Equals(e.Timeframe))
			},
		},
		{
			name:  "credential",
			input: Encode(NewCredential(timeframe.New(), cred)),
			check: func(t *testing.T, e Envelope) {
				assert.EqualValues(t, CREDENTIAL, e.Kind)
				require.NotNil(t, e.Credential)
				assert.EqualValues(t, cred.Hash(), e.Credential.Hash())
				assert.True(t, e.Timeframe.IsEmpty())
			},
		},
		{
			name:  "unknown fields are skipped",
			input: withUnknown,
			check: func(t *testing.T, e Envelope) {
				assert.EqualValues(t, "b1", e.BatchId)
				assert.Len(t, e.Mutations, 1)
			},
		},
		{
			name:    "garbage",
			input:   []byte{0x08},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			input:   protowire.AppendVarint(protowire.AppendTag(nil, fieldKind, protowire.VarintType), 9),
			wantErr: true,
		},
		{
			name:    "credential kind without a credential",
			input:   protowire.AppendVarint(protowire.AppendTag(nil, fieldKind, protowire.VarintType), uint64(CREDENTIAL)),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Decode(tt.input)
			if tt.wantErr {
				assert.IsType(t, Malformed{}, err)
			} else {
				require.NoError(t, err)
				tt.check(t, e)
			}
		})
	}
}
