package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-loader/internal/config"
	"cdc-loader/internal/models"
)

// ErrRowRejected is returned when a script drops a row by returning null or undefined
var ErrRowRejected = errors.New("row rejected by transformer")

// RowMeta describes where a row came from; scripts receive it as their second argument
type RowMeta struct {
	Table          string           `json:"table"`
	Kind           models.EventKind `json:"kind"`
	SequenceNumber string           `json:"sequence_number,omitempty"`
}

// Transformer reshapes decoded rows before they are staged
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	program  *goja.Program // compiled once, run in a fresh runtime per row
	natsConn *nats.Conn    // exposed to scripts as the global 'nats' object
}

// RuleMatcher applies one YAML rule to the rows of matching tables
type RuleMatcher struct {
	table     string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer creates a transformer; natsConn may be nil
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	t := &Transformer{
		config:   cfg,
		logger:   logger,
		natsConn: natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return t, nil
	}

	if cfg.Script != "" {
		src, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		program, err := compileScript(cfg.Script, string(src))
		if err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		t.program = program
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		matcher := &RuleMatcher{
			table:     rule.Table,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    make(map[string]string),
			addFields: rule.AddFields,
		}
		for _, field := range rule.Include {
			matcher.include[strings.ToLower(field)] = true
		}
		for _, field := range rule.Exclude {
			matcher.exclude[strings.ToLower(field)] = true
		}
		for from, to := range rule.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		t.rules = append(t.rules, matcher)
	}

	return t, nil
}

// compileScript checks that src evaluates to a function or defines a named 'transform' function
func compileScript(name, src string) (*goja.Program, error) {
	program, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	vm := goja.New()
	result, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if _, ok := scriptFunction(vm, result); !ok {
		return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
	}
	return program, nil
}

func scriptFunction(vm *goja.Runtime, result goja.Value) (goja.Callable, bool) {
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, true
		}
	}
	named := vm.Get("transform")
	if named != nil && !goja.IsUndefined(named) && !goja.IsNull(named) {
		return goja.AssertFunction(named)
	}
	return nil, false
}

// Transform applies the script or the first matching rule to row.
// It returns ErrRowRejected when the row must not be staged.
func (t *Transformer) Transform(meta RowMeta, row map[string]any) (map[string]any, error) {
	if t == nil || t.config == nil || !t.config.Enabled {
		return row, nil
	}
	if t.program != nil {
		return t.transformWithJavaScript(meta, row)
	}
	for _, rule := range t.rules {
		if rule.matches(meta.Table) {
			return rule.apply(row), nil
		}
	}
	return row, nil
}

func (t *Transformer) transformWithJavaScript(meta RowMeta, row map[string]any) (map[string]any, error) {
	rowJSON, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row to JSON: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row metadata: %w", err)
	}

	// goja.Runtime is not safe for concurrent use
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return nil, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	result, err := vm.RunProgram(t.program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute JavaScript script: %w", err)
	}
	fn, ok := scriptFunction(vm, result)
	if !ok {
		return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	rowObj, err := parse(jsonObj, vm.ToValue(string(rowJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse row JSON: %w", err)
	}
	metaObj, err := parse(jsonObj, vm.ToValue(string(metaJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse row metadata: %w", err)
	}

	out, err := fn(goja.Undefined(), rowObj, metaObj)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		t.logger.Debugf("Row rejected by JavaScript transformer: %s (kind: %s)", meta.Table, meta.Kind)
		return nil, ErrRowRejected
	}

	outJSON, err := json.Marshal(out.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(outJSON))
	dec.UseNumber()
	var transformed map[string]any
	if err := dec.Decode(&transformed); err != nil {
		return nil, fmt.Errorf("transform function must return an object: %w", err)
	}
	return transformed, nil
}

func (r *RuleMatcher) apply(row map[string]any) map[string]any {
	transformed := make(map[string]any, len(row)+len(r.addFields))
	for key, value := range r.addFields {
		transformed[key] = value
	}
	for key, value := range row {
		lower := strings.ToLower(key)
		if len(r.exclude) > 0 && r.exclude[lower] {
			continue
		}
		if len(r.include) > 0 && !r.include[lower] {
			continue
		}
		outputKey := key
		if renamed, ok := r.rename[lower]; ok {
			outputKey = renamed
		}
		transformed[outputKey] = value
	}
	return transformed
}

// matches reports whether the rule applies to table; an empty rule table matches everything
func (r *RuleMatcher) matches(table string) bool {
	return r.table == "" || strings.EqualFold(r.table, table)
}

func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	console := vm.NewObject()

	format := func(call goja.FunctionCall) string {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}
	bind := func(name string, log func(...any)) error {
		err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			log(format(call))
			return goja.Undefined()
		})
		if err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
		return nil
	}

	for name, log := range map[string]func(...any){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	} {
		if err := bind(name, log); err != nil {
			return err
		}
	}

	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// setupNATSBindings exposes nats.publish and nats.kv.get/put/delete to scripts
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	toBytes := func(fn string, v goja.Value) []byte {
		if goja.IsUndefined(v) || goja.IsNull(v) {
			panic(vm.NewTypeError("%s: data is required", fn))
		}
		switch exported := v.Export().(type) {
		case string:
			return []byte(exported)
		case []byte:
			return exported
		default:
			data, err := json.Marshal(exported)
			if err != nil {
				panic(vm.NewTypeError("%s: failed to marshal data: %v", fn, err))
			}
			return data
		}
	}

	publish := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}
		if err := t.natsConn.Publish(subject, toBytes("nats.publish", call.Argument(1))); err != nil {
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	}
	if err := natsObj.Set("publish", publish); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}

	bucket := func(fn string, call goja.FunctionCall) (nats.KeyValue, string) {
		name, key := call.Argument(0).String(), call.Argument(1).String()
		if name == "" || key == "" {
			panic(vm.NewTypeError("%s: bucket and key are required", fn))
		}
		js, err := t.natsConn.JetStream()
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get JetStream context: %w", err)))
		}
		kv, err := js.KeyValue(name)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get KV store '%s': %w", name, err)))
		}
		return kv, key
	}

	kvObj := vm.NewObject()
	get := func(call goja.FunctionCall) goja.Value {
		kv, key := bucket("nats.kv.get", call)
		entry, err := kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return goja.Null()
		}
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(string(entry.Value()))
	}
	put := func(call goja.FunctionCall) goja.Value {
		kv, key := bucket("nats.kv.put", call)
		if _, err := kv.Put(key, toBytes("nats.kv.put", call.Argument(2))); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}
	del := func(call goja.FunctionCall) goja.Value {
		kv, key := bucket("nats.kv.delete", call)
		if err := kv.Delete(key); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{"get": get, "put": put, "delete": del} {
		if err := kvObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set KV %s function: %w", name, err)
		}
	}
	if err := natsObj.Set("kv", kvObj); err != nil {
		return fmt.Errorf("failed to set KV object: %w", err)
	}

	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}
	return nil
}

// ValidateRules checks the processor section beyond what config presence checks cover
func ValidateRules(cfg *config.ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
	}
	if cfg.Script != "" && len(cfg.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules'")
	}
	for i, rule := range cfg.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
		}
		if len(rule.Rename) > 0 && len(rule.Include) > 0 {
			for from := range rule.Rename {
				found := false
				for _, inc := range rule.Include {
					if strings.EqualFold(inc, from) {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("processor rule %d: rename key '%s' not found in include list", i, from)
				}
			}
		}
	}
	return nil
}
