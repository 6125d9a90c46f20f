// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package log provides severity logging over glog with a subject tag.
//
// The tag names the object a line is about (a socket, the work queue) and
// is printed before the message.
package log

import (
	"fmt"

	"github.com/golang/glog"
)

// withTag prepends tag to argv.
func withTag(tag string, argv ...any) []any {
	if tag == "" {
		return argv
	}
	if len(argv) != 0 {
		tag += ": "
	}
	return append([]any{tag}, argv...)
}

// Depth logs with the caller frame shifted by d.
type Depth int

func (d Depth) Info(tag string, argv ...any) {
	glog.InfoDepth(int(d+1), withTag(tag, argv...)...)
}

func (d Depth) Infof(tag string, format string, argv ...any) {
	glog.InfoDepth(int(d+1), withTag(tag, fmt.Sprintf(format, argv...))...)
}

func (d Depth) Warning(tag string, argv ...any) {
	glog.WarningDepth(int(d+1), withTag(tag, argv...)...)
}

func (d Depth) Warningf(tag string, format string, argv ...any) {
	glog.WarningDepth(int(d+1), withTag(tag, fmt.Sprintf(format, argv...))...)
}

func (d Depth) Error(tag string, argv ...any) {
	glog.ErrorDepth(int(d+1), withTag(tag, argv...)...)
}

func (d Depth) Errorf(tag string, format string, argv ...any) {
	glog.ErrorDepth(int(d+1), withTag(tag, fmt.Sprintf(format, argv...))...)
}

// Verbose gates Info logging on the -v level.
type Verbose bool

// V reports whether verbosity level l is enabled.
func V(l int) Verbose {
	return Verbose(glog.V(glog.Level(l)))
}

func (v Verbose) Info(tag string, argv ...any) {
	if v {
		Depth(1).Info(tag, argv...)
	}
}

func (v Verbose) Infof(tag string, format string, argv ...any) {
	if v {
		Depth(1).Infof(tag, format, argv...)
	}
}

func Info(tag string, argv ...any)    { Depth(1).Info(tag, argv...) }
func Warning(tag string, argv ...any) { Depth(1).Warning(tag, argv...) }
func Error(tag string, argv ...any)   { Depth(1).Error(tag, argv...) }

func Infof(tag string, format string, argv ...any) {
	Depth(1).Infof(tag, format, argv...)
}

func Warningf(tag string, format string, argv ...any) {
	Depth(1).Warningf(tag, format, argv...)
}

func Errorf(tag string, format string, argv ...any) {
	Depth(1).Errorf(tag, format, argv...)
}

func Flush() { glog.Flush() }
