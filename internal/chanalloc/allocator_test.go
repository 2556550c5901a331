package chanalloc

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSequence(t *testing.T) {
	a := NewDefault()

	first, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, Channel{Address: "239.0.0.1", Port: 10000}, first)

	second, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, Channel{Address: "239.0.0.2", Port: 10001}, second)
	assert.Equal(t, 2, a.Live())
}

func TestAllocateCarriesIntoHigherOctets(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{name: "third octet", base: "239.0.0.255", want: "239.0.1.0"},
		{name: "second octet", base: "239.0.255.255", want: "239.1.0.0"},
		{name: "plain increment", base: "239.4.7.9", want: "239.4.7.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.base, 20000)
			require.NoError(t, err)

			ch, err := a.Allocate()
			require.NoError(t, err)
			assert.Equal(t, tt.want, ch.Address)
			assert.Equal(t, 20000, ch.Port)
		})
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a, err := New("239.255.255.254", 10000)
	require.NoError(t, err)

	ch, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "239.255.255.255", ch.Address)

	for i := 0; i < 3; i++ {
		_, err = a.Allocate()
		assert.True(t, errors.Is(err, ErrNoAddressAvailable))
	}
}

func TestReleaseDoesNotRecycle(t *testing.T) {
	a := NewDefault()

	ch, err := a.Allocate()
	require.NoError(t, err)
	a.Release(ch)
	assert.Equal(t, 0, a.Live())

	next, err := a.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, ch, next)
}

func TestConcurrentAllocationIsInjective(t *testing.T) {
	a := NewDefault()

	const workers = 16
	const perWorker = 64

	var mu sync.Mutex
	seen := make(map[Channel]struct{}, workers*perWorker)
	ports := make(map[int]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ch, err := a.Allocate()
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[ch] = struct{}{}
				ports[ch.Port] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.Len(t, ports, workers*perWorker)
}

func TestNewRejectsBadBase(t *testing.T) {
	_, err := New("not-an-ip", 10000)
	assert.Error(t, err)

	_, err = New("ff02::1", 10000)
	assert.Error(t, err)

	_, err = New("239.0.0.0", 0)
	assert.Error(t, err)
}
