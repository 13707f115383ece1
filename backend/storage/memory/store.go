package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/peercall/backend/model"
)

var (
	ErrUserNotFound = errors.New("user is not found")
	ErrSelfFriend   = errors.New("user cannot befriend themselves")
)

// MemStore is an in-memory user directory with a symmetric friendship graph.
type MemStore struct {
	mx      *sync.Mutex
	users   map[string]model.User
	friends map[string]map[string]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:      &sync.Mutex{},
		users:   make(map[string]model.User),
		friends: make(map[string]map[string]struct{}),
	}
}

// PutUser creates or renames a user.
func (ms *MemStore) PutUser(user model.User) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.users[user.ID] = user
}

func (ms *MemStore) GetUser(userID string) (*model.User, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	user, ok := ms.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

// AddFriendship links two existing users in both directions.
func (ms *MemStore) AddFriendship(userID, friendID string) error {
	if userID == friendID {
		return ErrSelfFriend
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.users[userID]; !ok {
		return ErrUserNotFound
	}
	if _, ok := ms.users[friendID]; !ok {
		return ErrUserNotFound
	}
	ms.link(userID, friendID)
	ms.link(friendID, userID)
	return nil
}

func (ms *MemStore) link(a, b string) {
	set, ok := ms.friends[a]
	if !ok {
		set = make(map[string]struct{})
		ms.friends[a] = set
	}
	set[b] = struct{}{}
}

// Friends returns the user's friends ordered by id.
func (ms *MemStore) Friends(userID string) ([]model.User, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	friends := make([]model.User, 0, len(ms.friends[userID]))
	for id := range ms.friends[userID] {
		friends = append(friends, ms.users[id])
	}
	sort.Slice(friends, func(i, j int) bool {
		return friends[i].ID < friends[j].ID
	})
	return friends, nil
}
