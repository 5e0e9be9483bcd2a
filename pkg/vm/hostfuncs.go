package vm

import (
	"context"
	"time"

	"github.com/edgevm/vmnet/pkg/shim"
	"github.com/tetratelabs/wazero/api"
)

// bindHostFunctions exports the "env" module the guest links against: a
// direct, non-WASI ABI over pkg/shim's Read/Write/Accept/Poll, modeled on
// the subscription/event buffer convention WASI's poll_oneoff uses (read a
// packed array of requests out of guest memory, write a packed array of
// results back) but trimmed to exactly the fd table and poll contract
// spec.md §4.2 defines, rather than the general WASI surface.
//
// ABI (all offsets/lengths are byte offsets into the guest's exported
// memory; every function returns a negative value on error):
//
//	fd_read(fd, ptr, len) i32              -> bytes read, or -1 (would block/error)
//	fd_write(fd, ptr, len) i32             -> bytes written, or -1
//	fd_accept() i32                        -> new fd, or -1 (would block)
//	fd_poll(subsPtr, subsLen, timeoutMs, outPtr) i32
//	  subs: subsLen * 2 bytes, (fd u8, dir u8) pairs
//	  out:  same layout, truncated to the returned count of ready subs
//	  returns the number of ready subscriptions written to outPtr
func (v *VM) bindHostFunctions(ctx context.Context) error {
	builder := v.runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(v.hostFDRead).
		Export("fd_read")
	builder.NewFunctionBuilder().
		WithFunc(v.hostFDWrite).
		Export("fd_write")
	builder.NewFunctionBuilder().
		WithFunc(v.hostFDAccept).
		Export("fd_accept")
	builder.NewFunctionBuilder().
		WithFunc(v.hostFDPoll).
		Export("fd_poll")

	_, err := builder.Instantiate(ctx)
	return err
}

func (v *VM) hostFDRead(ctx context.Context, mod api.Module, fd, ptr, length int32) int32 {
	buf, ok := mod.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		return -1
	}
	n, err := v.sh.Read(int(fd), buf)
	if err != nil {
		return -1
	}
	return int32(n)
}

func (v *VM) hostFDWrite(ctx context.Context, mod api.Module, fd, ptr, length int32) int32 {
	buf, ok := mod.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		return -1
	}
	n, err := v.sh.Write(int(fd), buf)
	if err != nil {
		return -1
	}
	return int32(n)
}

func (v *VM) hostFDAccept(ctx context.Context, mod api.Module) int32 {
	fd, err := v.sh.Accept()
	if err != nil {
		return -1
	}
	return int32(fd)
}

func (v *VM) hostFDPoll(ctx context.Context, mod api.Module, subsPtr, subsLen, timeoutMs, outPtr int32) int32 {
	raw, ok := mod.Memory().Read(uint32(subsPtr), uint32(subsLen)*2)
	if !ok {
		return -1
	}
	subs := make([]shim.PollSub, subsLen)
	for i := range subs {
		subs[i] = shim.PollSub{
			FD:  int(raw[i*2]),
			Dir: shim.PollDirection(raw[i*2+1]),
		}
	}

	ready := v.sh.Poll(subs, time.Duration(timeoutMs)*time.Millisecond)

	out := make([]byte, len(ready)*2)
	for i, sub := range ready {
		out[i*2] = byte(sub.FD)
		out[i*2+1] = byte(sub.Dir)
	}
	if !mod.Memory().Write(uint32(outPtr), out) {
		return -1
	}
	return int32(len(ready))
}
