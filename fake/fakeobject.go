// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import "github.com/momentics/hioload-net/api"

// Object is a scriptable api.EventObject counting handler invocations.
type Object struct {
	api.BaseObject
	FD      int
	ReadOK  bool
	WriteOK bool
	Reads   int
	Writes  int
	Errors  int
}

// NewObject builds a fake event object whose handlers succeed.
func NewObject(fd int) *Object {
	return &Object{BaseObject: api.NewBaseObject(), FD: fd, ReadOK: true, WriteOK: true}
}

func (o *Object) Fd() int { return o.FD }

func (o *Object) HandleRead() bool {
	o.Reads++
	return o.ReadOK
}

func (o *Object) HandleWrite() bool {
	o.Writes++
	return o.WriteOK
}

func (o *Object) HandleError() { o.Errors++ }
