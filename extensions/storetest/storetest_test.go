package storetest

import (
	"testing"

	"github.com/vitalvas/mqttsession"
)

func TestMemoryMessageStore(t *testing.T) {
	Run(t, func(_ *testing.T) mqttsession.MessageStore {
		return mqttsession.NewMemoryMessageStore()
	})
}
