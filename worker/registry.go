package worker

import (
	"reviewml.com/sentiment/registry"
)

type registryTransactions interface {
	getRun(runID string) (*registry.Run, error)
	close()
}

type registryClientWrapper struct {
	registryClient *registry.Client
}

func (wrapper *registryClientWrapper) close() {
	_ = wrapper.registryClient.Close()
}

func (wrapper *registryClientWrapper) getRun(runID string) (*registry.Run, error) {
	if runID == "" {
		return wrapper.registryClient.Latest()
	}
	return wrapper.registryClient.Get(runID)
}
