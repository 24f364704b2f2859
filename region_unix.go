//go:build linux && (amd64 || arm64)

/*
 * Copyright 2025 The BufferHub Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bufferhub

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	// Set platform-specific function implementations
	unmapMemory = munmapImpl
}

// CreateRegion allocates a new anonymous memfd-backed metadata region and
// maps it. The broker is the only expected caller; clients receive the
// descriptor over the channel and use ImportRegion.
func CreateRegion(name string, userMetadataSize uint64) (*Region, error) {
	totalSize, err := CalculateRegionSize(userMetadataSize)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	fd, err := unix.MemfdCreate("bufferhub_"+name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd for %s: %w", name, err)
	}
	file := os.NewFile(uintptr(fd), "bufferhub_"+name)

	// Ensure cleanup on error
	cleanup := func() {
		file.Close()
	}

	if err := file.Truncate(int64(totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize region: %w", err)
	}

	// Pin the region size so no mapper can shrink it underneath another.
	if _, err := unix.FcntlInt(file.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to seal region size: %w", err)
	}

	mem, err := mmapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap region: %w", err)
	}

	region := &Region{
		File: file,
		Mem:  mem,
		H:    &metadataView{basePtr: unsafe.Pointer(&mem[0])},
	}

	// Initialize the metadata header
	magic := [8]byte{'B', 'U', 'F', 'H', 'U', 'B', 0, 0}
	hdr := region.Header()
	hdr.SetMagic(magic)
	hdr.SetVersion(RegionVersion)
	hdr.SetUserMetadataSize(userMetadataSize)
	hdr.Metadata().UserMetadataSize = userMetadataSize

	return region, nil
}

// ImportRegion maps an existing region from a descriptor received over the
// broker channel. It takes ownership of fd regardless of outcome.
func ImportRegion(fd int) (*Region, error) {
	file := os.NewFile(uintptr(fd), "bufferhub_import")

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat region: %w", err)
	}

	size := info.Size()
	if size < MetadataHeaderSize {
		file.Close()
		return nil, fmt.Errorf("region too small: %d bytes", size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap region: %w", err)
	}

	view := &metadataView{basePtr: unsafe.Pointer(&mem[0])}

	if err := ValidateMetadataHeader(view.header(), uint64(size)); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("invalid metadata header: %w", err)
	}

	return &Region{
		File: file,
		Mem:  mem,
		H:    view,
	}, nil
}

// mmapFile memory maps a file
func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

// munmapImpl unmaps a memory-mapped region
func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}

	return nil
}
