package transporter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInbox(t *testing.T) {
	in := NewInbox()

	var lk sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		require.True(t, in.Push(func() {
			lk.Lock()
			got = append(got, i)
			lk.Unlock()
		}))
	}

	// Items may push more items without blocking.
	done := make(chan struct{})
	in.Push(func() {
		in.Push(func() { close(done) })
	})
	<-done

	in.Close()
	require.False(t, in.Push(func() {}))
	in.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}
