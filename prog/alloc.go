// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package prog

// MemAlloc is a linear byte arena sized to page_sz × page_num, returning
// addresses aligned to the requested alignment; used for pointee storage.
// Addresses are virtual (offsets from the executor-side data base): the
// serializer adds target.DataOffset on emission.
type MemAlloc struct {
	size uint64
	pos  uint64
	// note records the byte ranges already handed out (see Ranges);
	// Validate does not consult it.
	note []memRange
}

type memRange struct {
	start, end uint64
}

func newMemAlloc(size uint64) *MemAlloc {
	return &MemAlloc{size: size}
}

// Alloc reserves size bytes aligned to align (a power of two, 0 meaning 1)
// and returns the virtual address, or false if the arena is exhausted.
func (a *MemAlloc) Alloc(size, align uint64) (uint64, bool) {
	if align == 0 {
		align = 1
	}
	addr := (a.pos + align - 1) &^ (align - 1)
	if addr+size > a.size {
		return 0, false
	}
	a.pos = addr + size
	a.note = append(a.note, memRange{addr, addr + size})
	return addr, true
}

// Ranges returns every range handed out so far, for disjointness checks.
func (a *MemAlloc) Ranges() []memRange { return append([]memRange(nil), a.note...) }

// VmaAlloc is a page-granular allocator returning contiguous page ranges
// for Vma parameters.
type VmaAlloc struct {
	pageSize  uint64
	numPages  uint64
	nextPage  uint64
}

func newVmaAlloc(pageSize, numPages uint64) *VmaAlloc {
	return &VmaAlloc{pageSize: pageSize, numPages: numPages}
}

// Alloc reserves npages contiguous pages and returns the byte address of
// the first page, or false if exhausted.
func (a *VmaAlloc) Alloc(npages uint64) (uint64, bool) {
	if npages == 0 {
		npages = 1
	}
	if a.nextPage+npages > a.numPages {
		return 0, false
	}
	addr := a.nextPage * a.pageSize
	a.nextPage += npages
	return addr, true
}
