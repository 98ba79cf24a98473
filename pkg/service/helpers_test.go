package service_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/youpolonia/cms-sub031/pkg/service"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// fixedClock returns a controllable time source.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *fixedClock {
	return &fixedClock{now: at}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeContent is an in-memory ContentStore recording mutations.
type fakeContent struct {
	mu        sync.Mutex
	items     map[int64]service.Content
	published []int64
	activated map[int64]int64
	versions  map[int64][]string
	failNext  error
}

func newContent() *fakeContent {
	return &fakeContent{
		items:     make(map[int64]service.Content),
		activated: make(map[int64]int64),
		versions:  make(map[int64][]string),
	}
}

func (f *fakeContent) add(c service.Content) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[c.ID] = c
}

func (f *fakeContent) GetContent(id int64) (service.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return service.Content{}, fmt.Errorf("no content %d", id)
	}
	return c, nil
}

func (f *fakeContent) PublishContent(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	c, ok := f.items[id]
	if !ok {
		return fmt.Errorf("no content %d", id)
	}
	c.Status = "published"
	f.items[id] = c
	f.published = append(f.published, id)
	return nil
}

func (f *fakeContent) ActivateVersion(contentID, versionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated[contentID] = versionID
	return nil
}

func (f *fakeContent) RecordVersion(contentID int64, versionHash, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[contentID] = append(f.versions[contentID], versionHash)
	return nil
}

// fakePerms grants permissions from a static set and can simulate
// lookup failures.
type fakePerms struct {
	mu      sync.Mutex
	grants  map[string]bool
	err     error
	lookups int
}

func newPerms() *fakePerms {
	return &fakePerms{grants: make(map[string]bool)}
}

func (f *fakePerms) grant(userID int64, perms ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range perms {
		f.grants[fmt.Sprintf("%d:%s", userID, p)] = true
	}
}

func (f *fakePerms) revoke(userID int64, perm string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.grants, fmt.Sprintf("%d:%s", userID, perm))
}

func (f *fakePerms) HasPermission(userID int64, permission string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return false, f.err
	}
	return f.grants[fmt.Sprintf("%d:%s", userID, permission)], nil
}

func (f *fakePerms) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}
