package inst

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBranchRange(t *testing.T) {
	const src = uintptr(0x1000)

	_, err := EncodeBranch(false, src, src+BranchRange-4)
	require.NoError(t, err)

	_, err = EncodeBranch(false, src, src+BranchRange)
	var rerr *RangeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, int64(1<<25), rerr.Distance)
	assert.True(t, errors.Is(err, ErrBranchOutOfRange))

	// backwards, exactly at the limit
	hi := uintptr(0x10000000)
	_, err = EncodeBranch(true, hi, hi-BranchRange)
	require.NoError(t, err)
	_, err = EncodeBranch(true, hi, hi-BranchRange-4)
	assert.ErrorIs(t, err, ErrBranchOutOfRange)
}

func TestEncodeBranchWords(t *testing.T) {
	tests := []struct {
		name     string
		link     bool
		src, dst uintptr
		want     uint32
	}{
		{"b forward", false, 0x1000, 0x1100, 0x14000040},
		{"b backward", false, 0x1000, 0x0FF0, 0x17FFFFFC},
		{"bl forward", true, 0x1000, 0x1004, 0x94000001},
		{"bl self", true, 0x2000, 0x2000, 0x94000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeBranch(tt.link, tt.src, tt.dst)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeBranchRoundTrip(t *testing.T) {
	src := uintptr(0x7100004000)
	for _, dst := range []uintptr{src + 4, src - 4, src + BranchRange - 4, src - BranchRange, src + 0x123450} {
		for _, link := range []bool{false, true} {
			w, err := EncodeBranch(link, src, dst)
			require.NoError(t, err)

			got, gotLink, ok := BranchTarget(w, src)
			require.True(t, ok)
			assert.Equal(t, dst, got)
			assert.Equal(t, link, gotLink)
		}
	}
}

func TestEncodeBranchMisaligned(t *testing.T) {
	_, err := EncodeBranch(false, 0x1000, 0x1002)
	assert.ErrorIs(t, err, ErrMisaligned)

	_, _, ok := BranchTarget(0xD503201F, 0x1000)
	assert.False(t, ok)
}
