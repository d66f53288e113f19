package latestonlychannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithin(t *testing.T, ch <-chan int) (int, bool) {
	select {
	case v, ok := <-ch:
		return v, ok
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for output")
		return 0, false
	}
}

func TestWrapBlocksWhenEmpty(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)
	defer close(inputCh)

	select {
	case <-outputCh:
		t.Fatalf("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestWrapDeliversEachValue(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	inputCh <- 1
	v, ok := recvWithin(t, outputCh)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	inputCh <- 2
	v, ok = recvWithin(t, outputCh)
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	close(inputCh)

	_, ok = recvWithin(t, outputCh)
	assert.False(t, ok)
}

func TestWrapKeepsOnlyLatest(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	inputCh <- 1
	inputCh <- 2
	inputCh <- 3
	v, _ := recvWithin(t, outputCh)
	assert.Equal(t, 3, v)

	inputCh <- 4
	inputCh <- 5
	v, _ = recvWithin(t, outputCh)
	assert.Equal(t, 5, v)

	// nothing is delivered twice
	select {
	case <-outputCh:
		t.Fatalf("value was delivered twice")
	case <-time.After(10 * time.Millisecond):
	}

	close(inputCh)

	_, ok := recvWithin(t, outputCh)
	assert.False(t, ok)
}
