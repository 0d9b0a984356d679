/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package capability

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusOrder(t *testing.T) {
	require.Less(t, Unknown, Detecting)
	require.Less(t, Detecting, NotSupported)
	require.Less(t, NotSupported, Supported)
}

func TestFlag_StartDetection(t *testing.T) {
	var f Flag
	require.Equal(t, Unknown, f.Load())

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.StartDetection() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners)
	require.Equal(t, Detecting, f.Load())
}

func TestFlag_MarkNotSupported(t *testing.T) {
	var f Flag
	require.True(t, f.StartDetection())
	require.True(t, f.MarkNotSupported())
	require.Equal(t, NotSupported, f.Load())

	f.Reset()
	require.True(t, f.StartDetection())
	f.MarkSupported()
	require.False(t, f.MarkNotSupported(), "confirmed native support must not be overridden")
	require.Equal(t, Supported, f.Load())
}

func TestProbe_Reset(t *testing.T) {
	p := NewProbe()
	p.Completion.MarkSupported()
	p.Timeout.StartDetection()
	p.Reset()
	require.Equal(t, Unknown, p.Completion.Load())
	require.Equal(t, Unknown, p.Timeout.Load())
	require.Equal(t, "unknown", p.Timeout.Load().String())
}
