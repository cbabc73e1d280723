// Package registry persists the static function-descriptor routing table
// (§2.3, §3) in a bbolt database, bucket-per-entity, and supports loading
// the whole table from a YAML file for first-run seeding.
package registry

import (
	"encoding/json"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/esb/pkg/types"
)

var bucketFunctions = []byte("functions")

// Registry is a bbolt-backed store of FunctionDescriptor records, keyed by
// function name.
type Registry struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFunctions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create functions bucket: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put upserts a function descriptor.
func (r *Registry) Put(fn *types.FunctionDescriptor) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(fn)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFunctions).Put([]byte(fn.Name), data)
	})
}

// Get returns a function descriptor by name, or an error if absent.
func (r *Registry) Get(name string) (*types.FunctionDescriptor, error) {
	var fn types.FunctionDescriptor
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFunctions).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("function not found: %s", name)
		}
		return json.Unmarshal(data, &fn)
	})
	if err != nil {
		return nil, err
	}
	return &fn, nil
}

// Delete removes a function descriptor by name.
func (r *Registry) Delete(name string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFunctions).Delete([]byte(name))
	})
}

// List returns every function descriptor currently persisted.
func (r *Registry) List() ([]*types.FunctionDescriptor, error) {
	var out []*types.FunctionDescriptor
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFunctions).ForEach(func(_, v []byte) error {
			var fn types.FunctionDescriptor
			if err := json.Unmarshal(v, &fn); err != nil {
				return err
			}
			out = append(out, &fn)
			return nil
		})
	})
	return out, err
}

// routingFile is the on-disk YAML shape for seeding/importing a routing
// table, matching §2.2's "on-disk format for the function routing table."
type routingFile struct {
	Functions []struct {
		Name            string            `yaml:"name"`
		ImageRef        string            `yaml:"image_ref"`
		Handler         string            `yaml:"handler"`
		Env             map[string]string `yaml:"env"`
		MaxCapacity     int               `yaml:"max_capacity"`
		InvokeTimeoutMS int               `yaml:"invoke_timeout_ms"`
		IdleTimeoutS    int               `yaml:"idle_timeout_s"`
		Routes          []struct {
			Method string `yaml:"method"`
			Path   string `yaml:"path"`
		} `yaml:"routes"`
	} `yaml:"functions"`
}

// LoadYAMLFile reads a routing-table YAML file and upserts every function
// descriptor it describes into the registry. Used at startup to seed or
// refresh the table; reload into a live RouteMatcher is the caller's
// responsibility (an atomic pointer swap, per §4.1).
func (r *Registry) LoadYAMLFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read routing table %s: %w", path, err)
	}

	var rf routingFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return 0, fmt.Errorf("parse routing table %s: %w", path, err)
	}

	for _, f := range rf.Functions {
		fn := &types.FunctionDescriptor{
			Name:            f.Name,
			ImageRef:        f.ImageRef,
			Handler:         f.Handler,
			Env:             f.Env,
			MaxCapacity:     f.MaxCapacity,
			InvokeTimeoutMS: f.InvokeTimeoutMS,
			IdleTimeoutS:    f.IdleTimeoutS,
		}
		if fn.MaxCapacity == 0 {
			fn.MaxCapacity = 50 // §3 default reserved-concurrency
		}
		for _, r := range f.Routes {
			fn.Routes = append(fn.Routes, types.RoutePattern{Method: r.Method, Path: r.Path})
		}
		if err := r.Put(fn); err != nil {
			return 0, fmt.Errorf("persist function %s: %w", fn.Name, err)
		}
	}
	return len(rf.Functions), nil
}
