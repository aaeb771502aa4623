package p2p

import "github.com/sirupsen/logrus"

// NewLog returns the default logger used when a Config does not supply
// its own. It logs to stderr at info level with logrus's text formatter,
// matching the rest of the codebase's logging conventions.
func NewLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return logrus.NewEntry(l).WithField("module", "p2p")
}
