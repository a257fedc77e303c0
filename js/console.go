package js

import (
	"encoding/json"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

// console is the console object of test code, backed by logrus.
type console struct {
	logger logrus.FieldLogger
}

func newConsole(logger logrus.FieldLogger, filename string) *console {
	return &console{logger.WithFields(logrus.Fields{"source": "console", "filename": filename})}
}

func (c console) log(level logrus.Level, args ...goja.Value) {
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(c.valueString(arg))
	}
	msg := b.String()

	switch level { //nolint:exhaustive
	case logrus.DebugLevel:
		c.logger.Debug(msg)
	case logrus.InfoLevel:
		c.logger.Info(msg)
	case logrus.WarnLevel:
		c.logger.Warn(msg)
	case logrus.ErrorLevel:
		c.logger.Error(msg)
	}
}

func (c console) Log(args ...goja.Value) {
	c.Info(args...)
}

func (c console) Debug(args ...goja.Value) {
	c.log(logrus.DebugLevel, args...)
}

func (c console) Info(args ...goja.Value) {
	c.log(logrus.InfoLevel, args...)
}

func (c console) Warn(args ...goja.Value) {
	c.log(logrus.WarnLevel, args...)
}

func (c console) Error(args ...goja.Value) {
	c.log(logrus.ErrorLevel, args...)
}

func (c console) valueString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if _, isObj := v.(*goja.Object); !isObj {
		return v.String()
	}
	if _, isFunc := goja.AssertFunction(v); isFunc {
		return "[function]"
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return v.String()
	}
	return string(b)
}

func (c *console) object(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	for name, fn := range map[string]func(...goja.Value){
		"log":   c.Log,
		"debug": c.Debug,
		"info":  c.Info,
		"warn":  c.Warn,
		"error": c.Error,
	} {
		must(rt, obj.Set(name, fn))
	}
	return obj
}
