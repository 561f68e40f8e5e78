package mgmt

import (
	"os"
	"testing"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
)

func TestMain(m *testing.M) {
	_ = logger.InitLog("info", false)
	os.Exit(m.Run())
}
