package dispatch

import (
	"encoding/binary"

	"github.com/callng/rnidbg/internal/backend"
	"github.com/callng/rnidbg/internal/log"
	"github.com/callng/rnidbg/internal/memory"
)

// AArch64 Linux syscall numbers, the subset Android init paths hit.
const (
	sysFaccessat     = 48
	sysOpenat        = 56
	sysClose         = 57
	sysLseek         = 62
	sysRead          = 63
	sysWrite         = 64
	sysReadv         = 65
	sysWritev        = 66
	sysPpoll         = 73
	sysReadlinkat    = 78
	sysFstat         = 80
	sysExit          = 93
	sysExitGroup     = 94
	sysSetTidAddress = 96
	sysFutex         = 98
	sysNanosleep     = 101
	sysClockGettime  = 113
	sysSchedYield    = 124
	sysTgkill        = 131
	sysRtSigaction   = 134
	sysRtSigprocmask = 135
	sysUname         = 160
	sysGettimeofday  = 169
	sysGetpid        = 172
	sysGetppid       = 173
	sysGetuid        = 174
	sysGeteuid       = 175
	sysGetgid        = 176
	sysGetegid       = 177
	sysGettid        = 178
	sysBrk           = 214
	sysMunmap        = 215
	sysClone         = 220
	sysMmap          = 222
	sysMprotect      = 226
	sysMadvise       = 233
	sysPrctl         = 167
	sysGetrandom     = 278
)

const (
	errENOENT = 2
	errEBADF  = 9
	errENOMEM = 12
	errEINVAL = 22
	errENOSYS = 38
)

func sysErr(e uint64) uint64 { return -e }

func arg(b backend.Backend, i int) uint64 {
	v, _ := b.GetRegister(backend.RegX(i))
	return v
}

func ret(b backend.Backend, v uint64) backend.TrapAction {
	_ = b.SetRegister(backend.RegX(0), v)
	return backend.TrapResume
}

// bufFault converts a failed guest-buffer access into a run-ending
// fault instead of an errno, so bad pointers surface where they
// happened.
func bufFault(b backend.Backend, addr uint64, access backend.Access) backend.TrapAction {
	b.SetPendingFault(backend.FaultInfo{Addr: addr, Access: access, Reason: "syscall buffer"})
	return backend.TrapFault
}

func (s *SyscallState) readCString(b backend.Backend, addr uint64) (string, bool) {
	var out []byte
	for len(out) < 4096 {
		chunk, err := b.ReadMemory(addr+uint64(len(out)), 64)
		if err != nil {
			return "", false
		}
		for _, c := range chunk {
			if c == 0 {
				return string(out), true
			}
			out = append(out, c)
		}
	}
	return string(out), true
}

// dispatch emulates one Linux syscall. Unknown numbers fall through to
// the dispatcher policy.
func (s *SyscallState) dispatch(d *Dispatcher, b backend.Backend, trap backend.TrapInfo, number uint64) backend.TrapAction {
	switch number {
	case sysGetpid:
		return ret(b, s.Pid)
	case sysGetppid:
		return ret(b, 1)
	case sysGettid:
		return ret(b, s.MainTID)
	case sysGetuid, sysGeteuid, sysGetgid, sysGetegid:
		// Android application uid range.
		return ret(b, 10023)
	case sysSetTidAddress:
		s.threads[s.MainTID].ChildTidAt = arg(b, 0)
		return ret(b, s.MainTID)

	case sysExit, sysExitGroup:
		s.exited = true
		s.ExitCode = arg(b, 0)
		log.L.Trace(trap.PC, "syscall", "exit_group", "")
		return backend.TrapStop

	case sysBrk:
		return s.brk(b, arg(b, 0))
	case sysMmap:
		return s.mmap(b)
	case sysMunmap:
		return s.munmap(b, arg(b, 0), arg(b, 1))
	case sysMprotect:
		return s.mprotect(b, arg(b, 0), arg(b, 1), arg(b, 2))
	case sysMadvise, sysPrctl, sysRtSigaction, sysRtSigprocmask, sysTgkill:
		return ret(b, 0)

	case sysSchedYield:
		s.Clock.Advance(1000)
		return ret(b, 0)
	case sysNanosleep:
		return s.nanosleep(b)
	case sysClockGettime:
		return s.clockGettime(b, arg(b, 1))
	case sysGettimeofday:
		return s.gettimeofday(b, arg(b, 0))
	case sysFutex:
		return s.futex(b)

	case sysUname:
		return s.uname(b, arg(b, 0))
	case sysGetrandom:
		return s.getrandom(b, arg(b, 0), arg(b, 1))

	case sysOpenat:
		return s.openat(b)
	case sysClose:
		return s.close(b, arg(b, 0))
	case sysRead:
		return s.read(b, arg(b, 0), arg(b, 1), arg(b, 2))
	case sysWrite:
		return s.write(b, arg(b, 0), arg(b, 1), arg(b, 2))
	case sysReadv:
		return s.vectored(b, true)
	case sysWritev:
		return s.vectored(b, false)
	case sysLseek:
		return s.lseek(b, arg(b, 0), arg(b, 1), arg(b, 2))
	case sysFstat:
		return s.fstat(b, arg(b, 0), arg(b, 1))
	case sysFaccessat, sysReadlinkat:
		return ret(b, sysErr(errENOENT))
	case sysPpoll:
		return ret(b, 0)

	case sysClone:
		// Record the thread; scheduling stays cooperative.
		tid := s.newThread(0, arg(b, 4))
		return ret(b, tid)
	}

	return d.unhandled(b, number, "syscall")
}

// --- memory syscalls ---

// brk grows or shrinks the program break. The break region is mapped
// lazily on first growth.
func (s *SyscallState) brk(b backend.Backend, newBrk uint64) backend.TrapAction {
	pageSize := uint64(backend.PageSize)
	if s.brkRegion == nil {
		size := uint64(0x100_0000)
		r, err := s.mem.Map(0, size, backend.ProtRead|backend.ProtWrite, "brk heap")
		if err != nil {
			return ret(b, sysErr(errENOMEM))
		}
		s.brkRegion = r
		s.brkEnd = r.Base
	}
	if newBrk == 0 {
		return ret(b, s.brkEnd)
	}
	if newBrk < s.brkRegion.Base || newBrk > s.brkRegion.End() {
		return ret(b, s.brkEnd)
	}
	s.brkEnd = memory.AlignUp(newBrk, pageSize)
	return ret(b, s.brkEnd)
}

func (s *SyscallState) mmap(b backend.Backend) backend.TrapAction {
	addr := arg(b, 0)
	length := memory.AlignUp(arg(b, 1), uint64(backend.PageSize))
	prot := arg(b, 2)
	fd := arg(b, 4)
	offset := arg(b, 5)
	if length == 0 {
		return ret(b, sysErr(errEINVAL))
	}

	var p backend.MemProt
	if prot&1 != 0 {
		p |= backend.ProtRead
	}
	if prot&2 != 0 {
		p |= backend.ProtWrite
	}
	if prot&4 != 0 {
		p |= backend.ProtExec
	}
	if p == backend.ProtNone {
		// PROT_NONE reservations still need pages the guest can later
		// mprotect; keep them readable host-side.
		p = backend.ProtRead
	}

	r, err := s.mem.Map(memory.AlignDown(addr, uint64(backend.PageSize)), length, p, "mmap")
	if err != nil {
		// Requested address unavailable: place anywhere, like MAP_FIXED
		// absent.
		r, err = s.mem.Map(0, length, p, "mmap")
		if err != nil {
			return ret(b, sysErr(errENOMEM))
		}
	}
	s.mmaps[r.Base] = r

	if int64(fd) >= 0 {
		if f, ok := s.fds[fd]; ok && f.content != nil && offset < uint64(len(f.content)) {
			end := offset + length
			if end > uint64(len(f.content)) {
				end = uint64(len(f.content))
			}
			_ = s.mem.Write(r.Base, f.content[offset:end])
		}
	}
	return ret(b, r.Base)
}

func (s *SyscallState) munmap(b backend.Backend, addr, length uint64) backend.TrapAction {
	if r, ok := s.mmaps[addr]; ok && r.Size == memory.AlignUp(length, uint64(backend.PageSize)) {
		if err := s.mem.Unmap(r); err != nil {
			return ret(b, sysErr(errEINVAL))
		}
		delete(s.mmaps, addr)
		return ret(b, 0)
	}
	// Partial unmaps of a mapping are tolerated without splitting.
	return ret(b, 0)
}

func (s *SyscallState) mprotect(b backend.Backend, addr, length, prot uint64) backend.TrapAction {
	r := s.mem.RegionAt(addr)
	if r == nil {
		return ret(b, sysErr(errENOMEM))
	}
	if r.Base != addr || r.Size != memory.AlignUp(length, uint64(backend.PageSize)) {
		// Sub-region protection changes would need a region split; the
		// mapping keeps its current permissions.
		return ret(b, 0)
	}
	var p backend.MemProt
	if prot&1 != 0 {
		p |= backend.ProtRead
	}
	if prot&2 != 0 {
		p |= backend.ProtWrite
	}
	if prot&4 != 0 {
		p |= backend.ProtExec
	}
	if err := s.mem.Protect(r, p); err != nil {
		return ret(b, sysErr(errEINVAL))
	}
	return ret(b, 0)
}

// --- time syscalls ---

func (s *SyscallState) nanosleep(b backend.Backend) backend.TrapAction {
	req := arg(b, 0)
	raw, err := b.ReadMemory(req, 16)
	if err != nil {
		return bufFault(b, req, backend.AccessRead)
	}
	sec := binary.LittleEndian.Uint64(raw)
	nsec := binary.LittleEndian.Uint64(raw[8:])
	s.Clock.Advance(sec*1_000_000_000 + nsec)
	return ret(b, 0)
}

const realtimeEpochNs = 1_600_000_000 * 1_000_000_000

func (s *SyscallState) clockGettime(b backend.Backend, tp uint64) backend.TrapAction {
	now := s.Clock.Now() + realtimeEpochNs
	var raw [16]byte
	binary.LittleEndian.PutUint64(raw[:], now/1_000_000_000)
	binary.LittleEndian.PutUint64(raw[8:], now%1_000_000_000)
	if err := b.WriteMemory(tp, raw[:]); err != nil {
		return bufFault(b, tp, backend.AccessWrite)
	}
	return ret(b, 0)
}

func (s *SyscallState) gettimeofday(b backend.Backend, tv uint64) backend.TrapAction {
	if tv == 0 {
		return ret(b, 0)
	}
	now := s.Clock.Now() + realtimeEpochNs
	var raw [16]byte
	binary.LittleEndian.PutUint64(raw[:], now/1_000_000_000)
	binary.LittleEndian.PutUint64(raw[8:], (now%1_000_000_000)/1000)
	if err := b.WriteMemory(tv, raw[:]); err != nil {
		return bufFault(b, tv, backend.AccessWrite)
	}
	return ret(b, 0)
}

// futex never blocks: waits "time out" instantly under the logical
// clock and wakes report success. Single-threaded execution means no
// waiter can exist anyway.
func (s *SyscallState) futex(b backend.Backend) backend.TrapAction {
	const futexWait = 0
	op := arg(b, 1) & 0x7f
	if op == futexWait {
		uaddr := arg(b, 0)
		raw, err := b.ReadMemory(uaddr, 4)
		if err != nil {
			return bufFault(b, uaddr, backend.AccessRead)
		}
		if binary.LittleEndian.Uint32(raw) != uint32(arg(b, 2)) {
			const errEAGAIN = 11
			return ret(b, sysErr(errEAGAIN))
		}
		s.Clock.Advance(1000)
		return ret(b, 0)
	}
	return ret(b, 0)
}

// --- identity syscalls ---

func (s *SyscallState) uname(b backend.Backend, buf uint64) backend.TrapAction {
	fields := []string{"Linux", "localhost", "4.9.118", "#1 SMP PREEMPT", "aarch64", "localdomain"}
	var out [6 * 65]byte
	for i, f := range fields {
		copy(out[i*65:(i+1)*65-1], f)
	}
	if err := b.WriteMemory(buf, out[:]); err != nil {
		return bufFault(b, buf, backend.AccessWrite)
	}
	return ret(b, 0)
}

func (s *SyscallState) getrandom(b backend.Backend, buf, n uint64) backend.TrapAction {
	if n > 0x10000 {
		n = 0x10000
	}
	out := make([]byte, n)
	s.rand.fill(out)
	if err := b.WriteMemory(buf, out); err != nil {
		return bufFault(b, buf, backend.AccessWrite)
	}
	return ret(b, n)
}

// --- fd syscalls ---

func (s *SyscallState) openat(b backend.Backend) backend.TrapAction {
	pathPtr := arg(b, 1)
	path, ok := s.readCString(b, pathPtr)
	if !ok {
		return bufFault(b, pathPtr, backend.AccessRead)
	}
	open, ok := s.vfs[path]
	if !ok {
		log.L.Trace(0, "syscall", "openat", path+" -> ENOENT")
		return ret(b, sysErr(errENOENT))
	}
	fd := s.openFD(open())
	log.L.Trace(0, "syscall", "openat", path)
	return ret(b, fd)
}

func (s *SyscallState) close(b backend.Backend, fd uint64) backend.TrapAction {
	if fd <= 2 {
		return ret(b, 0)
	}
	if _, ok := s.fds[fd]; !ok {
		return ret(b, sysErr(errEBADF))
	}
	delete(s.fds, fd)
	return ret(b, 0)
}

func (s *SyscallState) read(b backend.Backend, fd, buf, n uint64) backend.TrapAction {
	f, ok := s.fds[fd]
	if !ok {
		return ret(b, sysErr(errEBADF))
	}
	if n == 0 {
		return ret(b, 0)
	}
	p := make([]byte, n)
	got := f.read(p)
	if got > 0 {
		if err := b.WriteMemory(buf, p[:got]); err != nil {
			return bufFault(b, buf, backend.AccessWrite)
		}
	}
	return ret(b, uint64(got))
}

func (s *SyscallState) write(b backend.Backend, fd, buf, n uint64) backend.TrapAction {
	f, ok := s.fds[fd]
	if !ok {
		return ret(b, sysErr(errEBADF))
	}
	data, err := b.ReadMemory(buf, n)
	if err != nil {
		return bufFault(b, buf, backend.AccessRead)
	}
	if f.sink != nil {
		f.sink(data)
	}
	return ret(b, n)
}

// vectored services readv/writev over the scalar paths.
func (s *SyscallState) vectored(b backend.Backend, isRead bool) backend.TrapAction {
	fd := arg(b, 0)
	iov := arg(b, 1)
	count := arg(b, 2)
	if count > 64 {
		return ret(b, sysErr(errEINVAL))
	}
	var total uint64
	for i := uint64(0); i < count; i++ {
		raw, err := b.ReadMemory(iov+i*16, 16)
		if err != nil {
			return bufFault(b, iov, backend.AccessRead)
		}
		base := binary.LittleEndian.Uint64(raw)
		length := binary.LittleEndian.Uint64(raw[8:])
		if length == 0 {
			continue
		}
		var act backend.TrapAction
		if isRead {
			act = s.read(b, fd, base, length)
		} else {
			act = s.write(b, fd, base, length)
		}
		if act != backend.TrapResume {
			return act
		}
		got, _ := b.GetRegister(backend.RegX(0))
		if int64(got) < 0 {
			return ret(b, got)
		}
		total += got
	}
	return ret(b, total)
}

func (s *SyscallState) lseek(b backend.Backend, fd, off, whence uint64) backend.TrapAction {
	f, ok := s.fds[fd]
	if !ok || f.content == nil {
		return ret(b, sysErr(errEBADF))
	}
	var pos int64
	switch whence {
	case 0:
		pos = int64(off)
	case 1:
		pos = f.pos + int64(off)
	case 2:
		pos = int64(len(f.content)) + int64(off)
	default:
		return ret(b, sysErr(errEINVAL))
	}
	if pos < 0 {
		return ret(b, sysErr(errEINVAL))
	}
	f.pos = pos
	return ret(b, uint64(pos))
}

// fstat fills the AArch64 struct stat with a plausible regular file.
func (s *SyscallState) fstat(b backend.Backend, fd, buf uint64) backend.TrapAction {
	f, ok := s.fds[fd]
	if !ok {
		return ret(b, sysErr(errEBADF))
	}
	var st [128]byte
	binary.LittleEndian.PutUint32(st[16:], 0o100644)            // st_mode
	binary.LittleEndian.PutUint32(st[20:], 1)                   // st_nlink
	binary.LittleEndian.PutUint64(st[48:], uint64(len(f.content))) // st_size
	binary.LittleEndian.PutUint32(st[56:], 4096)                // st_blksize
	if err := b.WriteMemory(buf, st[:]); err != nil {
		return bufFault(b, buf, backend.AccessWrite)
	}
	return ret(b, 0)
}
