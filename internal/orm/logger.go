package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Default ORM logger
var Logger *log.Logger

func init() {
	Logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "(ORM)",
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
}

// Namespace selects one kind of diagnostic output.
type Namespace string

const (
	NamespaceQuery       Namespace = "query"
	NamespaceQueryParams Namespace = "query-params"
	NamespaceSchema      Namespace = "schema"
	NamespaceDiscovery   Namespace = "discovery"
	NamespaceInfo        Namespace = "info"
)

// All namespaces, enabled together by "all" or "true".
var Namespaces = []Namespace{
	NamespaceQuery,
	NamespaceQueryParams,
	NamespaceSchema,
	NamespaceDiscovery,
	NamespaceInfo,
}

// Debugger writes diagnostics for the enabled namespaces only.
// Errors are always written.
type Debugger struct {
	logger  *log.Logger
	enabled map[Namespace]bool
}

// Creates a Debugger on top of logger. A nil logger means the default one.
func NewDebugger(logger *log.Logger, namespaces []string) (*Debugger, error) {
	if logger == nil {
		logger = Logger
	}
	d := &Debugger{logger: logger, enabled: map[Namespace]bool{}}

	for _, name := range namespaces {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "":
			continue
		case "all", "true":
			for _, ns := range Namespaces {
				d.enabled[ns] = true
			}
			continue
		}

		ns := Namespace(name)
		known := false
		for _, candidate := range Namespaces {
			known = known || candidate == ns
		}
		if !known {
			return nil, fmt.Errorf("unknown debug namespace %q", name)
		}
		d.enabled[ns] = true
	}
	return d, nil
}

// Returns a copy of the debugger whose lines carry the given key/values.
func (d *Debugger) With(keyvals ...any) *Debugger {
	return &Debugger{logger: d.logger.With(keyvals...), enabled: d.enabled}
}

func (d *Debugger) Enabled(ns Namespace) bool {
	return d.enabled[ns]
}

// Logs msg when ns is enabled.
func (d *Debugger) Log(ns Namespace, msg string, keyvals ...any) {
	if !d.enabled[ns] {
		return
	}
	d.logger.Print(fmt.Sprintf("[%s] %s", ns, msg), keyvals...)
}

// Logs an executed statement. Parameters are only shown with the
// query-params namespace.
func (d *Debugger) Query(query string, params []any, took time.Duration, affected int64, err error) {
	if err != nil {
		d.logger.Error("query failed", "sql", query, "took", took, "err", err)
		return
	}
	if !d.enabled[NamespaceQuery] {
		return
	}

	keyvals := []any{"took", took}
	if affected >= 0 {
		keyvals = append(keyvals, "affected", affected)
	}
	if d.enabled[NamespaceQueryParams] && len(params) > 0 {
		keyvals = append(keyvals, "params", params)
	}
	d.logger.Print(fmt.Sprintf("[%s] %s", NamespaceQuery, query), keyvals...)
}

// Logs an error regardless of the enabled namespaces.
func (d *Debugger) Error(msg string, keyvals ...any) {
	d.logger.Error(msg, keyvals...)
}
