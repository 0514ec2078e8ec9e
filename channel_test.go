package reactor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legamerdc/reactor/poller"
)

// stubPoller records interest changes and fails Deregister on request.
type stubPoller struct {
	masks         map[poller.FD]poller.Mask
	deregisterErr error
}

func (p *stubPoller) Register(fd poller.FD, m poller.Mask) error {
	p.masks[fd] = m
	return nil
}

func (p *stubPoller) Modify(fd poller.FD, m poller.Mask) error {
	p.masks[fd] = m
	return nil
}

func (p *stubPoller) Deregister(fd poller.FD) error {
	if p.deregisterErr != nil {
		return p.deregisterErr
	}
	delete(p.masks, fd)
	return nil
}

func (p *stubPoller) Poll(time.Duration) ([]poller.Event, error) { return nil, nil }

func (p *stubPoller) Wake() error { return nil }

func (p *stubPoller) Close() error { return nil }

func (p *stubPoller) Len() int { return len(p.masks) }

func TestApplyInterestKeepsStateOnFailure(t *testing.T) {
	sp := &stubPoller{masks: map[poller.FD]poller.Mask{}}
	ch := &Channel{fd: 7, r: &Reactor{poller: sp}}

	require.NoError(t, ch.applyInterest(poller.Readable))
	assert.True(t, ch.registered)
	require.NoError(t, ch.applyInterest(poller.Readable|poller.Writable))
	assert.Equal(t, poller.Readable|poller.Writable, sp.masks[7])

	sp.deregisterErr = errors.New("deregister failed")
	assert.Error(t, ch.applyInterest(0))
	assert.True(t, ch.registered, "registration dropped although the fd is still monitored")
	assert.Equal(t, poller.Readable|poller.Writable, ch.Interest())

	sp.deregisterErr = nil
	require.NoError(t, ch.applyInterest(0))
	assert.False(t, ch.registered)
	assert.Equal(t, poller.Mask(0), ch.Interest())
	assert.Zero(t, sp.Len())
}
