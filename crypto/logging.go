package crypto

import (
	"github.com/sirupsen/logrus"
)

// opLogger carries the fields shared by every log line of one crypto
// operation. Secret material is never added; public keys are logged by
// prefix only.
type opLogger struct {
	fields logrus.Fields
}

func newOpLogger(function string) *opLogger {
	return &opLogger{fields: logrus.Fields{
		"function": function,
		"package":  "crypto",
	}}
}

// key records the prefix of a public key under name.
func (l *opLogger) key(name string, pk PublicKey) *opLogger {
	l.fields[name] = pk.Short()
	return l
}

// failed records err and the stage of the operation that produced it.
func (l *opLogger) failed(err error, stage string) *opLogger {
	l.fields["error"] = err.Error()
	l.fields["stage"] = stage
	return l
}

func (l *opLogger) Debug(msg string) { logrus.WithFields(l.fields).Debug(msg) }
func (l *opLogger) Warn(msg string)  { logrus.WithFields(l.fields).Warn(msg) }
func (l *opLogger) Error(msg string) { logrus.WithFields(l.fields).Error(msg) }
