package lsmkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.Path = "/tmp/whatever"
	assert.NoError(t, opts.Validate())
}

func TestValidateRejectsBadFields(t *testing.T) {
	base := func() *Options {
		o := DefaultOptions()
		o.Path = "/tmp/x"
		return o
	}

	cases := []struct {
		name    string
		mutate  func(*Options)
		wantErr error
	}{
		{"empty path", func(o *Options) { o.Path = "" }, ErrInvalidPath},
		{"zero memtable threshold", func(o *Options) { o.MemtableThreshold = 0 }, ErrInvalidWriteBufferSize},
		{"zero block size", func(o *Options) { o.BlockSize = 0 }, ErrInvalidBlockSize},
		{"max level too high", func(o *Options) { o.MaxLevel = 64 }, ErrInvalidMaxLevels},
		{"bloom rate out of range", func(o *Options) { o.BloomFalsePositiveRate = 1.5 }, ErrInvalidBloomRate},
		{"zero l0 trigger", func(o *Options) { o.L0CompactionTrigger = 0 }, ErrInvalidL0CompactionTrigger},
		{"zero level size base", func(o *Options) { o.LevelSizeBase = 0 }, ErrInvalidLevelSizeBase},
		{"zero max open files", func(o *Options) { o.MaxOpenFiles = 0 }, ErrInvalidMaxOpenFiles},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			o := base()
			c.mutate(o)
			assert.ErrorIs(t, o.Validate(), c.wantErr)
		})
	}
}

func TestLevelSizeLimitGrowsByPowersOfTen(t *testing.T) {
	opts := DefaultOptions()
	opts.LevelSizeBase = 10 * MiB

	assert.EqualValues(t, 0, opts.LevelSizeLimit(0))
	assert.EqualValues(t, 10*MiB, opts.LevelSizeLimit(1))
	assert.EqualValues(t, 100*MiB, opts.LevelSizeLimit(2))
	assert.EqualValues(t, 1000*MiB, opts.LevelSizeLimit(3))
}
