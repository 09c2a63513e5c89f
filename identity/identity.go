// Package identity persists the id of a remote worker so that a restarted
// worker can recover the tasks it already claimed.
package identity

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

var (
	ErrEmptyIdentity = errors.New("error: identity file has no worker id")
)

// LoadIdentity decodes a persisted worker identity.
func LoadIdentity(data []byte) (info *types.WorkerInfo, err error) {
	if err = json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	if info == nil || info.ID == "" {
		return nil, ErrEmptyIdentity
	}

	return
}

// Bytes ...
func Bytes(info *types.WorkerInfo) ([]byte, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// LoadOrCreate returns the worker identity stored at path, creating a new
// one the first time. The identity is never renegotiated afterwards.
func LoadOrCreate(path string) (*types.WorkerInfo, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	data, err := ioutil.ReadFile(path)
	if err == nil {
		info, err := LoadIdentity(data)
		if err != nil {
			log.WithError(err).Errorf("error loading worker identity from %s", path)
			return nil, err
		}
		return info, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	info := &types.WorkerInfo{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	if err := save(path, info); err != nil {
		log.WithError(err).Errorf("error saving worker identity to %s", path)
		return nil, err
	}

	log.Infof("created worker identity %s at %s", info.ID, path)
	return info, nil
}

func save(path string, info *types.WorkerInfo) error {
	data, err := Bytes(info)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
