package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pkdiagram/serverbridge/internal/bridgelib"
	"github.com/pkdiagram/serverbridge/pkg/correlator/mocks"
	"github.com/pkdiagram/serverbridge/pkg/hub"
	"github.com/pkdiagram/serverbridge/pkg/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSession = "session-1"

func newTestCorrelator(t *testing.T) (*Correlator, *hub.Hub, *mocks.MockSender) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	h := hub.NewHub(0, nil)
	return NewCorrelator(h, sender, testSession, nil), h, sender
}

func completed(id service.RequestID) service.Completion {
	return service.Completion{ID: id, Response: &service.Response{StatusCode: 200}}
}

func TestIssueWithoutDataOmitsArgument(t *testing.T) {
	c, _, sender := newTestCorrelator(t)

	sender.EXPECT().Send(testSession, gomock.Any(), "GET", "/diagrams").Return(nil)

	id, err := c.Issue("GET", "/diagrams", nil, func(*service.Response) {})
	require.NoError(t, err)

	req, found := c.Lookup(id)
	require.True(t, found)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/diagrams", req.Path)
}

func TestIssueWithDataForwardsIt(t *testing.T) {
	c, _, sender := newTestCorrelator(t)
	data := map[string]interface{}{"name": "family"}

	sender.EXPECT().Send(testSession, gomock.Any(), "POST", "/diagrams", data).Return(nil)

	_, err := c.Issue("POST", "/diagrams", data, func(*service.Response) {})
	require.NoError(t, err)
}

func TestEmptyBodyIsNotNoBody(t *testing.T) {
	c, _, sender := newTestCorrelator(t)

	sender.EXPECT().Send(testSession, gomock.Any(), "PUT", "/x", "").Return(nil)

	_, err := c.Issue("PUT", "/x", "", func(*service.Response) {})
	require.NoError(t, err)
}

func TestIdsAreUniqueAndIncreasing(t *testing.T) {
	c, _, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	other := NewCorrelator(hub.NewHub(0, nil), sender, testSession, nil)

	seen := make(map[service.RequestID]bool)
	var last service.RequestID
	for i := 0; i < 50; i++ {
		for _, corr := range []*Correlator{c, other} {
			id, err := corr.Issue("GET", "/a", nil, func(*service.Response) {})
			require.NoError(t, err)
			assert.False(t, seen[id], "duplicate id %d", id)
			assert.Greater(t, id, last)
			seen[id] = true
			last = id
		}
	}
	assert.Equal(t, 50, c.Len())
	assert.Equal(t, 50, other.Len())
}

func TestOutOfOrderCompletions(t *testing.T) {
	c, h, sender := newTestCorrelator(t)
	sender.EXPECT().Send(testSession, gomock.Any(), "GET", gomock.Any()).Return(nil).Times(2)

	var order []string
	idA, err := c.Issue("GET", "/a", nil, func(*service.Response) { order = append(order, "/a") })
	require.NoError(t, err)
	idB, err := c.Issue("GET", "/b", nil, func(*service.Response) { order = append(order, "/b") })
	require.NoError(t, err)

	require.NoError(t, h.Publish(completed(idB)))
	require.NoError(t, h.Publish(completed(idA)))

	assert.Equal(t, []string{"/b", "/a"}, order)
	assert.Equal(t, 0, c.Len())
}

func TestAtMostOnceDelivery(t *testing.T) {
	c, h, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	calls := 0
	var got *service.Response
	id, err := c.Issue("GET", "/a", nil, func(resp *service.Response) {
		calls++
		got = resp
	})
	require.NoError(t, err)

	require.NoError(t, h.Publish(completed(id)))
	require.NoError(t, h.Publish(completed(id)))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, 0, c.Len())
}

func TestNoDeliveryWithoutMatch(t *testing.T) {
	c, _, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	called := false
	id, err := c.Issue("GET", "/never", nil, func(*service.Response) { called = true })
	require.NoError(t, err)

	assert.False(t, called)
	_, found := c.Lookup(id)
	assert.True(t, found)
	assert.Equal(t, 1, c.Len())
}

func TestForeignCompletionIsIgnored(t *testing.T) {
	c, h, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	called := false
	id, err := c.Issue("GET", "/a", nil, func(*service.Response) { called = true })
	require.NoError(t, err)

	require.NoError(t, h.Publish(completed(id+1000)))

	assert.False(t, called)
	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
}

func TestOneCompletionRemovesOnlyItsEntry(t *testing.T) {
	c, h, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)

	first, err := c.Issue("GET", "/a", nil, func(*service.Response) {})
	require.NoError(t, err)
	second, err := c.Issue("GET", "/b", nil, func(*service.Response) {})
	require.NoError(t, err)

	require.NoError(t, h.Publish(completed(first)))

	_, found := c.Lookup(first)
	assert.False(t, found)
	req, found := c.Lookup(second)
	assert.True(t, found)
	assert.Equal(t, "/b", req.Path)
}

func TestPayloadIsDecoded(t *testing.T) {
	c, h, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	var got *service.Response
	id, err := c.Issue("GET", "/a", nil, func(resp *service.Response) { got = resp })
	require.NoError(t, err)

	original := &service.Response{StatusCode: 200, RawData: `{"a":1}`}
	var seenByOthers *service.Response
	h.Subscribe(func(completion service.Completion) error {
		seenByOthers = completion.Response
		return nil
	})

	require.NoError(t, h.Publish(service.Completion{ID: id, Response: original}))

	require.NotNil(t, got)
	m, isMap := bridgelib.ToMap(got.Data)
	require.True(t, isMap)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, m)
	assert.Equal(t, `{"a":1}`, got.RawData)

	assert.Same(t, original, seenByOthers)
	assert.Nil(t, original.Data)
}

func TestResponseWithoutPayload(t *testing.T) {
	c, h, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	var got *service.Response
	id, err := c.Issue("DELETE", "/a", nil, func(resp *service.Response) { got = resp })
	require.NoError(t, err)

	require.NoError(t, h.Publish(service.Completion{ID: id}))

	require.NotNil(t, got)
	assert.Nil(t, got.Data)
	assert.Equal(t, 0, got.StatusCode)
}

func TestDecodeFailurePropagates(t *testing.T) {
	c, h, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	called := false
	id, err := c.Issue("GET", "/a", nil, func(*service.Response) { called = true })
	require.NoError(t, err)

	err = h.Publish(service.Completion{ID: id, Response: &service.Response{StatusCode: 200, RawData: `{"a":`}})

	assert.ErrorContains(t, err, "GET /a")
	assert.False(t, called)
	assert.Equal(t, 0, c.Len())
}

func TestSendFailureRemovesEntry(t *testing.T) {
	c, _, sender := newTestCorrelator(t)
	refused := errors.New("pool closed")
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(refused)

	_, err := c.Issue("GET", "/a", nil, func(*service.Response) {})

	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 0, c.Len())
}

func TestNilCallback(t *testing.T) {
	c, _, _ := newTestCorrelator(t)

	_, err := c.Issue("GET", "/a", nil, nil)

	assert.ErrorIs(t, err, ErrNilCallback)
	assert.Equal(t, 0, c.Len())
}

func TestCloseEndsSubscription(t *testing.T) {
	c, h, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	called := false
	id, err := c.Issue("GET", "/a", nil, func(*service.Response) { called = true })
	require.NoError(t, err)
	assert.Equal(t, 1, h.Listeners())

	c.Close()
	assert.Equal(t, 0, h.Listeners())

	require.NoError(t, h.Publish(completed(id)))
	assert.False(t, called)
	assert.Equal(t, 1, c.Len())
}

func TestIssueAfterClose(t *testing.T) {
	c, _, _ := newTestCorrelator(t)
	c.Close()

	// the mock has no expectations: nothing may reach the sender
	_, err := c.Issue("GET", "/a", nil, func(*service.Response) {})

	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelatorsSharingAHub(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
	h := hub.NewHub(0, nil)

	left := NewCorrelator(h, sender, "left", nil)
	right := NewCorrelator(h, sender, "right", nil)

	var got []string
	leftID, err := left.Issue("GET", "/l", nil, func(*service.Response) { got = append(got, "left") })
	require.NoError(t, err)
	_, err = right.Issue("GET", "/r", nil, func(*service.Response) { got = append(got, "right") })
	require.NoError(t, err)

	require.NoError(t, h.Publish(completed(leftID)))

	assert.Equal(t, []string{"left"}, got)
	assert.Equal(t, 0, left.Len())
	assert.Equal(t, 1, right.Len())
}

func TestDeliverAndWait(t *testing.T) {
	c, h, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	handle, err := c.Deliver("GET", "/a", nil)
	require.NoError(t, err)

	require.NoError(t, h.Publish(service.Completion{ID: handle.ID(), Response: &service.Response{StatusCode: 201}}))

	resp, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
}

func TestWaitGivesUpWithoutWithdrawing(t *testing.T) {
	c, _, sender := newTestCorrelator(t)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	handle, err := c.Deliver("GET", "/a", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = handle.Wait(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, c.Len())
}

// loopbackSender completes every request asynchronously through the hub,
// the way the HTTP host does.
type loopbackSender struct {
	hub *hub.Hub
	wg  sync.WaitGroup
}

func (s *loopbackSender) Send(_ string, id service.RequestID, _, path string, _ ...interface{}) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		raw, _ := bridgelib.EncodeData(map[string]string{"path": path})
		_ = s.hub.Emit(service.Completion{ID: id, Response: &service.Response{StatusCode: 200, RawData: raw}})
	}()
	return nil
}

func TestConcurrentIssueThroughDispatch(t *testing.T) {
	h := hub.NewHub(32, nil)
	h.Start()
	sender := &loopbackSender{hub: h}
	c := NewCorrelator(h, sender, testSession, nil)

	const n = 200
	var mu sync.Mutex
	var delivered []string
	done := make(chan struct{})

	issue := func(path string) {
		id, err := c.Issue("GET", path, nil, func(resp *service.Response) {
			m, _ := bridgelib.ToMap(resp.Data)
			mu.Lock()
			delivered = append(delivered, m["path"].(string))
			if len(delivered) == n {
				close(done)
			}
			mu.Unlock()
		})
		assert.NoError(t, err)
		assert.NotZero(t, id)
	}

	wg := sync.WaitGroup{}
	for i := 0; i < n/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			issue("/direct")
		}()
	}
	// half of the requests are issued from inside callbacks
	for i := 0; i < n/2; i++ {
		_, err := c.Issue("GET", "/outer", nil, func(*service.Response) {
			issue("/nested")
		})
		require.NoError(t, err)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for callbacks")
	}

	sender.wg.Wait()
	h.Close()
	c.Close()

	counts := map[string]int{}
	for _, path := range delivered {
		counts[path]++
	}
	assert.Equal(t, map[string]int{"/direct": n / 2, "/nested": n / 2}, counts)
	assert.Equal(t, 0, c.Len())
}
