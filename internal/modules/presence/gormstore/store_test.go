package gormstore

import (
	"testing"

	"github.com/huddle-chat/core/internal/database/dbtest"
	"github.com/huddle-chat/core/internal/modules/presence/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, New(dbtest.Open(t)))
}
