package rdma

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/IcicleF/rdmalib/fi"
)

// uintptrOf reports the address of a byte slice's backing storage, used as
// the "base" half of an MR descriptor. Callers must keep buf alive for as
// long as the returned address is in use.
func uintptrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// Permission is a bitmask of memory region access rights, mirroring the
// verbs-level local-write / remote-read / remote-write / remote-atomic set.
type Permission uint32

const (
	PermLocalWrite Permission = 1 << iota
	PermRemoteRead
	PermRemoteWrite
	PermRemoteAtomic
)

// PermAll grants every access right; it is the default reg_mr permission.
const PermAll = PermLocalWrite | PermRemoteRead | PermRemoteWrite | PermRemoteAtomic

func (p Permission) toAccess() fi.MRAccessFlag {
	var out fi.MRAccessFlag
	if p&PermLocalWrite != 0 {
		out |= fi.MRAccessLocal
	}
	if p&PermRemoteRead != 0 {
		out |= fi.MRAccessRemoteRead
	}
	if p&PermRemoteWrite != 0 {
		out |= fi.MRAccessRemoteWrite
	}
	return out
}

// mrSlot is a registered memory region together with its assigned slot index.
type mrSlot struct {
	region *fi.MemoryRegion
	desc   MRDescriptor
}

// Context owns the NIC device handle, the protection-domain-equivalent
// libfabric domain, and the small ordered set of registered memory regions
// shared by every Connection built on top of it. It is process-wide: exactly
// one Context backs a Cluster.
type Context struct {
	logger *zap.Logger

	deviceName string
	fabric     *fi.Fabric
	domain     *fi.Domain

	gid [16]byte
	lid uint16

	mrs   [MaxMrs]mrSlot
	nmrs  int
	refcnt atomic.Int32
}

// Open selects and initializes a device, optionally matching an exact name.
// An empty name selects the first device the NIC enumerator returns.
func Open(deviceName string, logger *zap.Logger) (*Context, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []fi.DiscoverOption{fi.WithEndpointType(fi.EndpointTypeRDM)}
	if deviceName != "" {
		opts = append(opts, fi.WithDomain(deviceName))
	}

	discovery, err := fi.DiscoverDescriptors(opts...)
	if err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "no device found", Err: err}
	}
	defer discovery.Close()

	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		return nil, &FatalError{Class: FaultConfiguration, Reason: fmt.Sprintf("no device matches name %q", deviceName)}
	}
	desc := descriptors[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "open fabric", Err: err}
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		return nil, &FatalError{Class: FaultConfiguration, Reason: "open domain", Err: err}
	}

	ctx := &Context{
		logger:     logger,
		deviceName: desc.Info().Domain,
		fabric:     fabric,
		domain:     domain,
	}
	if ctx.deviceName == "" {
		ctx.deviceName = deviceName
	}

	if err := ctx.probeIdentity(desc); err != nil {
		logger.Warn("rdma: could not probe device identity, proceeding with zero GID/LID", zap.Error(err))
	}
	ctx.checkCapabilities(desc)

	return ctx, nil
}

// probeIdentity opens a throwaway endpoint purely to read back the device's
// GID and LID for diagnostics (Cluster.Verbose, logging): fi_getname is
// per-endpoint, not per-node, so this probe address identifies the device,
// not any connection's live endpoint, and must never be inserted into an
// address vector as a routing destination. Each RC connection and XRC
// target publishes and exchanges its own live endpoint address instead
// (rdma/rc.go, rdma/xrc.go, rdma/peer.go).
func (c *Context) probeIdentity(desc fi.Descriptor) error {
	ep, err := desc.OpenEndpoint(c.domain)
	if err != nil {
		return err
	}
	defer ep.Close()
	if err := ep.Enable(); err != nil {
		return err
	}
	raw, err := ep.Name()
	if err != nil {
		return err
	}
	if len(raw) >= 16 {
		copy(c.gid[:], raw[:16])
	}
	if len(raw) >= 18 {
		c.lid = binary.BigEndian.Uint16(raw[16:18])
	}
	return nil
}

func (c *Context) checkCapabilities(desc fi.Descriptor) {
	info := desc.Info()
	if !info.SupportsCap(fi.CapAtomic) {
		c.logger.Warn("rdma: device does not advertise extended-atomics capability; proceeding without refusal")
	}
}

// GID returns the device's 16-byte global route identifier.
func (c *Context) GID() [16]byte { return c.gid }

// LID returns the device's local identifier.
func (c *Context) LID() uint16 { return c.lid }

// Domain exposes the underlying fi.Domain for Connection construction.
func (c *Context) Domain() *fi.Domain { return c.domain }

// Fabric exposes the underlying fi.Fabric.
func (c *Context) Fabric() *fi.Fabric { return c.fabric }

// incref bumps the dependency counter; Peers call this on construction.
// Connections do not touch the counter.
func (c *Context) incref() { c.refcnt.Add(1) }

// decref drops the dependency counter; Peers call this on destruction.
func (c *Context) decref() { c.refcnt.Add(-1) }

// RegMR registers [base, base+length) with the domain under the requested
// permissions and returns its assigned slot index, or -1 if the MR array is
// full or the NIC rejects the registration.
func (c *Context) RegMR(buf []byte, perm Permission) int {
	if c.nmrs >= MaxMrs {
		return -1
	}
	if perm == 0 {
		perm = PermAll
	}
	region, err := c.domain.RegisterMemory(buf, perm.toAccess())
	if err != nil {
		c.logger.Warn("rdma: mr registration rejected", zap.Error(err))
		return -1
	}

	base := uint64(uintptrOf(buf))
	slot := c.nmrs
	c.mrs[slot] = mrSlot{
		region: region,
		desc: MRDescriptor{
			Base:   base,
			Length: uint64(len(buf)),
			LKey:   0,
			RKey:   uint32(region.Key()),
		},
	}
	c.nmrs++
	return slot
}

// MRCount reports how many memory regions are currently registered.
func (c *Context) MRCount() int { return c.nmrs }

// MRDescriptors returns a snapshot of the registered MR descriptors, for
// inclusion in an OOB exchange record.
func (c *Context) MRDescriptors() []MRDescriptor {
	out := make([]MRDescriptor, c.nmrs)
	for i := 0; i < c.nmrs; i++ {
		out[i] = c.mrs[i].desc
	}
	return out
}

// Region exposes the fi.MemoryRegion backing a slot, for posting local SGEs.
func (c *Context) Region(slot int) *fi.MemoryRegion {
	if slot < 0 || slot >= c.nmrs {
		return nil
	}
	return c.mrs[slot].region
}

// MatchLKey performs the linear scan described by the core: the first MR
// whose half-open range covers [addr, addr+length) wins. Scan order is
// registration order; MR ranges are not required to be disjoint. No match
// reports ok=false; RC and XRC posts turn that into an ordinary returned
// error, not a fatal fault.
func (c *Context) MatchLKey(addr uint64, length uint64) (slot int, ok bool) {
	for i := 0; i < c.nmrs; i++ {
		if c.mrs[i].desc.Covers(addr, length) {
			return i, true
		}
	}
	return -1, false
}

// Close tears down the device in reverse order: MR -> domain -> fabric. It is
// only valid when the dependency counter is zero; otherwise it diagnoses and
// aborts the teardown without releasing anything.
func (c *Context) Close() error {
	if n := c.refcnt.Load(); n != 0 {
		return &FatalError{Class: FaultConfiguration, Reason: fmt.Sprintf("context closed with %d live dependents", n)}
	}
	for i := c.nmrs - 1; i >= 0; i-- {
		if c.mrs[i].region != nil {
			_ = c.mrs[i].region.Close()
		}
	}
	c.nmrs = 0
	if c.domain != nil {
		_ = c.domain.Close()
	}
	if c.fabric != nil {
		_ = c.fabric.Close()
	}
	return nil
}
