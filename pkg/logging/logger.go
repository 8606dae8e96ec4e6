// Package logging is the cluster's single logrus setup point: every
// process calls InitLogger once at startup, then derives a
// *logrus.Entry per component with WithField("component", ...).
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func InitLogger(debug bool) {
	Log = logrus.New()
	Log.Out = os.Stdout

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
}

// Failure categories, spec.md §7's error taxonomy.
const (
	CategoryValidation = "validation"
	CategoryCapacity   = "capacity"
	CategoryIntegrity  = "integrity"
	CategoryTransport  = "transport"
	CategoryLiveness   = "liveness"
)

// ChunkKey formats a (file_id, index) pair the way Failure's chunk_key
// field identifies the chunk a terminal failure was about.
func ChunkKey(fileID string, index int) string {
	return fmt.Sprintf("%s/%d", fileID, index)
}

// Failure logs a terminal failure carrying the (node_id, chunk_key,
// category) triple spec.md §7 requires every terminal failure to
// carry, in addition to being returned to its caller. entry may be
// nil, in which case the package logger is used directly.
func Failure(entry *logrus.Entry, category, nodeID, chunkKey string, err error) {
	if entry == nil {
		entry = logrus.NewEntry(Log)
	}
	entry.WithError(err).WithFields(logrus.Fields{
		"category":  category,
		"node_id":   nodeID,
		"chunk_key": chunkKey,
	}).Error("terminal failure")
}
