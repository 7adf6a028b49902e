package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

const (
	envLogFormat = "GRIDLOCK_LOG_FORMAT"
	envLogDebug  = "GRIDLOCK_LOG_DEBUG"
)

var (
	logFormatOnce sync.Once
	logAsJSON     bool
	logDebugOnce  sync.Once
	logDebug      bool
)

func jsonEnabled() bool {
	logFormatOnce.Do(func() {
		logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv(envLogFormat)), "json")
	})
	return logAsJSON
}

func debugEnabled() bool {
	logDebugOnce.Do(func() {
		switch strings.ToLower(strings.TrimSpace(os.Getenv(envLogDebug))) {
		case "1", "true", "yes", "on":
			logDebug = true
		}
	})
	return logDebug
}

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...interface{}) {
	emit("INFO", component, msg, kv...)
}

// Warn logs a warning with key/value fields using a consistent prefix.
func Warn(component, msg string, kv ...interface{}) {
	emit("WARN", component, msg, kv...)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...interface{}) {
	emit("ERROR", component, msg, kv...)
}

// Debug logs a message only when GRIDLOCK_LOG_DEBUG is set.
func Debug(component, msg string, kv ...interface{}) {
	if !debugEnabled() {
		return
	}
	emit("DEBUG", component, msg, kv...)
}

func emit(level, component, msg string, kv ...interface{}) {
	if jsonEnabled() {
		payload := map[string]any{
			"level":     level,
			"component": component,
			"msg":       msg,
		}
		if len(kv)%2 != 0 {
			kv = append(kv, "(missing)")
		}
		for i := 0; i < len(kv); i += 2 {
			payload[strings.TrimSpace(toString(kv[i]))] = kv[i+1]
		}
		data, err := json.Marshal(payload)
		if err == nil {
			log.Print(string(data))
			return
		}
	}
	switch level {
	case "INFO":
		log.Printf("[%s] %s%s", strings.ToUpper(component), msg, formatFields(kv...))
	default:
		log.Printf("[%s] %s %s%s", strings.ToUpper(component), level, msg, formatFields(kv...))
	}
}

func formatFields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	b.WriteString(" ")
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		key := kv[i]
		val := kv[i+1]
		b.WriteString(strings.TrimSpace(toString(key)))
		b.WriteString("=")
		b.WriteString(toString(val))
	}
	return b.String()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", t)), "\n", " "), "\t", " "))
	}
}
