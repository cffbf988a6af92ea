package fake_runner

import (
	"sync"

	"github.com/sundetova/avito-android/runnertypes"
)

// FakeReservationClient delivers a scripted set of device addresses and then
// blocks, the way the real client blocks until Release closes the session.
type FakeReservationClient struct {
	lock *sync.Mutex

	addresses  []string
	claimErr   error
	releaseErr error

	claims      [][]runnertypes.ReservationRequest
	releases    int
	sessionOver chan struct{}
}

func NewFakeReservationClient(addresses ...string) *FakeReservationClient {
	return &FakeReservationClient{
		lock:        &sync.Mutex{},
		addresses:   addresses,
		sessionOver: make(chan struct{}),
	}
}

func (c *FakeReservationClient) Claim(requests []runnertypes.ReservationRequest, serials chan<- string) error {
	c.lock.Lock()
	c.claims = append(c.claims, requests)
	addresses := make([]string, len(c.addresses))
	copy(addresses, c.addresses)
	err := c.claimErr
	c.lock.Unlock()

	if err != nil {
		return err
	}

	for _, address := range addresses {
		select {
		case serials <- address:
		case <-c.sessionOver:
			return nil
		}
	}
	<-c.sessionOver
	return nil
}

func (c *FakeReservationClient) Release() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.releases++
	if c.releases == 1 {
		close(c.sessionOver)
	}
	return c.releaseErr
}

func (c *FakeReservationClient) SetClaimError(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.claimErr = err
}

func (c *FakeReservationClient) SetReleaseError(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.releaseErr = err
}

func (c *FakeReservationClient) ClaimedRequests() [][]runnertypes.ReservationRequest {
	c.lock.Lock()
	defer c.lock.Unlock()
	claims := make([][]runnertypes.ReservationRequest, len(c.claims))
	copy(claims, c.claims)
	return claims
}

func (c *FakeReservationClient) ReleaseCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.releases
}
