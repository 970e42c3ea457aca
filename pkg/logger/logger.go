package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	log "github.com/sirupsen/logrus"
)

// Options controls where and how verbosely the service logs.
type Options struct {
	Level      string
	Directory  string
	MaxAgeDays int
}

var base = log.New()

// LogFormatter renders entries as "<time> [LEVEL] message k=v ...".
type LogFormatter struct {
	TimestampFormat string
	LevelDesc       []string
}

// Format format entry in custom format
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)
	level := f.LevelDesc[entry.Level]

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", timestamp, level, entry.Message)
	for _, key := range sortedKeys(entry.Data) {
		fmt.Fprintf(&b, " %s=%v", key, entry.Data[key])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// Init configures the shared logger. Without a directory, output goes to stdout only.
func Init(opts Options) error {
	base.SetFormatter(&LogFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		LevelDesc:       []string{"PANIC", "FATAL", "ERROR", "WARN", "INFO", "DEBUG", "TRACE"},
	})

	level, err := log.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = log.InfoLevel
	}
	base.SetLevel(level)

	if opts.Directory == "" {
		base.SetOutput(os.Stdout)
		return nil
	}

	maxAge := opts.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 2
	}

	logFile := filepath.Join(opts.Directory, ".log")
	dateFolder, err := createLogFolder(logFile)
	if err != nil {
		return fmt.Errorf("create log folder: %w", err)
	}

	rl, err := initializeLogRotation(logFile, dateFolder, maxAge)
	if err != nil {
		return fmt.Errorf("init log rotation: %w", err)
	}
	base.SetOutput(io.MultiWriter(os.Stdout, rl))

	deleteOldLogFilesRoutine(opts.Directory, maxAge)
	return nil
}

// SetOutput redirects log output, mostly useful in tests.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// WithFields returns an entry carrying correlation fields.
func WithFields(fields map[string]interface{}) *log.Entry {
	return base.WithFields(log.Fields(fields))
}

// Info logs informational messages
func Info(message string) {
	base.Info(message)
}

// Error logs error messages
func Error(message string) {
	base.Error(message)
}

// Debug logs debug messages
func Debug(message string) {
	base.Debug(message)
}

// Warn logs warning messages
func Warn(message string) {
	base.Warn(message)
}

// Fatal logs fatal error and exits
func Fatal(message string) {
	base.Fatal(message)
}

// Infof logs formatted informational message
func Infof(format string, args ...interface{}) {
	base.Infof(format, args...)
}

// Errorf logs formatted error message
func Errorf(format string, args ...interface{}) {
	base.Errorf(format, args...)
}

// Debugf logs formatted debug message
func Debugf(format string, args ...interface{}) {
	base.Debugf(format, args...)
}

// Warnf logs formatted warning message
func Warnf(format string, args ...interface{}) {
	base.Warnf(format, args...)
}

// createLogFolder creates a folder for logs based on the current date
func createLogFolder(logFile string) (string, error) {
	baseDir := filepath.Dir(logFile)
	dateFolder := filepath.Join(baseDir, time.Now().Format("2006-01-02"))
	err := os.MkdirAll(dateFolder, 0755)
	return dateFolder, err
}

// initializeLogRotation rotates hourly and gzips the previous file after rotation.
func initializeLogRotation(logFile, dateFolder string, maxAgeDays int) (*rotatelogs.RotateLogs, error) {
	return rotatelogs.New(
		fmt.Sprintf("%s/%%Y-%%m-%%d-%%H%s", dateFolder, filepath.Base(logFile)),
		rotatelogs.WithLinkName(fmt.Sprintf("%s/%s", dateFolder, filepath.Base(logFile))),
		rotatelogs.WithRotationTime(time.Hour),
		rotatelogs.WithMaxAge(time.Duration(maxAgeDays)*24*time.Hour),
		rotatelogs.WithHandler(rotatelogs.HandlerFunc(func(e rotatelogs.Event) {
			if e.Type() != rotatelogs.FileRotatedEventType {
				return
			}
			prev := e.(*rotatelogs.FileRotatedEvent).PreviousFile()
			if prev == "" {
				return
			}
			if err := compressLogFile(prev, prev+".gz"); err != nil {
				base.Warnf("compress rotated log %s: %v", prev, err)
			}
		})),
	)
}

// deleteOldLogFilesRoutine starts a routine to delete old log folders
func deleteOldLogFilesRoutine(logDirectory string, maxAgeDays int) {
	go func() {
		for {
			deleteOldDateFolders(logDirectory, maxAgeDays)
			time.Sleep(time.Hour)
		}
	}()
}

// deleteOldDateFolders deletes date folders older than the specified max age
func deleteOldDateFolders(baseDir string, maxAgeDays int) {
	cutoff := time.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(baseDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				base.Warnf("delete old log folder %s: %v", path, err)
			}
		}
	}
}

// compressLogFile compresses a log file to gzip format
func compressLogFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open log file: %v", err)
	}
	defer f.Close()

	fi, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat log file: %v", err)
	}
	gzf, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode())
	if err != nil {
		return fmt.Errorf("failed to open compressed log file: %v", err)
	}
	defer gzf.Close()

	gz := gzip.NewWriter(gzf)
	if _, err := io.Copy(gz, f); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func sortedKeys(fields log.Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
