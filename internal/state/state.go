package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/feedchat/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.feedchat/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	peersBucket = []byte("peers")
	tokenKey    = []byte("token")
	userKey     = []byte("user")
)

// State wraps a bbolt database holding the cached credential, the
// signed-in user's profile, and display names of peers seen so far.
// Presence and unread counts are session state and never stored here.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(peersBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// User returns the cached profile of the signed-in user, or nil.
func (s *State) User() (*models.User, error) {
	var u *models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(userKey)
		if v == nil {
			return nil
		}

		u = &models.User{}

		return json.Unmarshal(v, u)
	})
	if err != nil {
		return nil, fmt.Errorf("reading cached user: %w", err)
	}

	return u, nil
}

// SetUser persists the signed-in user's profile.
func (s *State) SetUser(u models.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(userKey, data)
	})
}

// SavePeer records a peer's display name. Entries without an id are ignored.
func (s *State) SavePeer(u models.User) error {
	if u.ID == "" {
		return nil
	}

	data, err := json.Marshal(u)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(u.ID), data)
	})
}

// Peer returns a previously saved peer, or nil.
func (s *State) Peer(id string) (*models.User, error) {
	var u *models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(peersBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		u = &models.User{}

		return json.Unmarshal(v, u)
	})

	return u, err
}

// AllPeers returns every saved peer keyed by id.
func (s *State) AllPeers() (map[string]models.User, error) {
	peers := make(map[string]models.User)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(k, v []byte) error {
			var u models.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}

			peers[string(k)] = u

			return nil
		})
	})

	return peers, err
}

// Clear removes the cached credential, profile, and peer directory.
// Called on logout.
func (s *State) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, peersBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}
