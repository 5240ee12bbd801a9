package benchmark

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	// The engines log through the standard logger; at benchmark iteration
	// counts anything below error drowns the results.
	logrus.SetLevel(logrus.ErrorLevel)

	os.Exit(m.Run())
}
