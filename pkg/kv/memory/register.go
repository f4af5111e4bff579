package memory

import "github.com/drachma/drachma-bridge/pkg/kv"

func init() {
	kv.RegisterBackend(kv.BackendMemory, func(kv.Config) (kv.Store, error) {
		return New(), nil
	})
}
