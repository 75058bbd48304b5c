package logging

import (
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a zap logger with the acquisition field helpers attached.
type Logger struct {
	*zap.Logger
}

type Config struct {
	Level       string
	Format      string // "json" or "console"
	ServiceName string
	Version     string
	Environment string
}

// LogLevel constants for consistent usage
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Format constants
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Field name constants for Loki compatibility
const (
	FieldService   = "service"
	FieldVersion   = "version"
	FieldEnv       = "environment"
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldOperation = "operation"
	FieldDNO       = "dno"
	FieldURL       = "url"
	FieldPartition = "partition"
	FieldDataset   = "dataset"
)

// NewLogger creates a new structured logger instance
func NewLogger(config Config) *Logger {
	var level zapcore.Level
	switch strings.ToLower(config.Level) {
	case LevelDebug:
		level = zapcore.DebugLevel
	case LevelWarn:
		level = zapcore.WarnLevel
	case LevelError:
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder

	if strings.ToLower(config.Format) == FormatJSON {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.LevelKey = "level"
		encoderConfig.MessageKey = "message"
		encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	// Logs go to stderr so CLI output on stdout stays machine readable.
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	logger = logger.With(
		zap.String(FieldService, config.ServiceName),
		zap.String(FieldVersion, config.Version),
		zap.String(FieldEnv, config.Environment),
	)

	return &Logger{Logger: logger}
}

func NewDefaultLogger(serviceName string) *Logger {
	config := Config{
		Level:       getEnv("LOG_LEVEL", LevelInfo),
		Format:      getEnv("LOG_FORMAT", FormatJSON),
		ServiceName: serviceName,
		Version:     getEnv("SERVICE_VERSION", "unknown"),
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	return NewLogger(config)
}

// NewNop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// New wraps an existing zap logger, e.g. one built by zaptest or observer.
func New(z *zap.Logger) *Logger {
	return &Logger{Logger: z}
}

func (l *Logger) WithDNO(dno string) *zap.Logger {
	return l.Logger.With(zap.String(FieldDNO, dno))
}

func (l *Logger) WithURL(url string) *zap.Logger {
	return l.Logger.With(zap.String(FieldURL, url))
}

func (l *Logger) WithPartition(key string) *zap.Logger {
	return l.Logger.With(zap.String(FieldPartition, key))
}

func (l *Logger) WithDataset(name string) *zap.Logger {
	return l.Logger.With(zap.String(FieldDataset, name))
}

// WithError creates a logger with error information
func (l *Logger) WithError(err error) *zap.Logger {
	return l.Logger.With(zap.String(FieldError, err.Error()))
}

// LogDownloadStart logs the beginning of a streamed download. total is the
// transport-reported size, zero when it was not provided.
func (l *Logger) LogDownloadStart(url string, total int64) {
	l.WithURL(url).Info("Downloading file",
		zap.String(FieldOperation, "download"),
		zap.String("total_size", humanize.Bytes(uint64(total))),
	)
}

// LogDownloadProgress reports a percentage when the total size is known and
// cumulative bytes otherwise.
func (l *Logger) LogDownloadProgress(url string, total, downloaded int64) {
	logger := l.WithURL(url).With(zap.String("downloaded", humanize.Bytes(uint64(downloaded))))
	if total > 0 {
		logger.Info("Download progress", zap.Int("percent", int(downloaded*100/total)))
		return
	}
	logger.Info("Download progress")
}

func (l *Logger) LogDownloadComplete(url string, downloaded, written int64, duration time.Duration) {
	l.WithURL(url).Info("Downloaded file",
		zap.String(FieldOperation, "download"),
		zap.String("downloaded", humanize.Bytes(uint64(downloaded))),
		zap.String("written", humanize.Bytes(uint64(written))),
		zap.Int64(FieldDuration, duration.Milliseconds()),
	)
}

// HTTP request logging middleware for Gin
func (l *Logger) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger := l.Logger.With(
			zap.String(FieldRequestID, c.GetHeader("X-Request-ID")),
			zap.String(FieldMethod, c.Request.Method),
			zap.String(FieldPath, c.Request.URL.Path),
			zap.Int(FieldStatus, c.Writer.Status()),
			zap.Int64(FieldDuration, time.Since(start).Milliseconds()),
		)

		if c.Writer.Status() >= 500 {
			logger.Error("HTTP request completed with server error")
		} else if c.Writer.Status() >= 400 {
			logger.Warn("HTTP request completed with client error")
		} else {
			logger.Info("HTTP request completed successfully")
		}
	}
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
