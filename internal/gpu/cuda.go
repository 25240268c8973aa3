//go:build cuda

package gpu

/*
#cgo LDFLAGS: -lcudart -lethash_cuda
#include <stdint.h>
#include <cuda_runtime.h>

typedef struct {
	uint32_t count;
	struct {
		uint32_t gid;
		uint32_t mix[8];
	} result[4];
} search_results;

typedef struct { uint8_t b[32]; } hash32_t;

void set_constants(void* dag, uint32_t dag_items, void* light, uint32_t light_items);
void set_header_and_target(hash32_t header, uint64_t target);
void ethash_generate_dag(uint64_t dag_size, uint32_t grid, uint32_t block, cudaStream_t stream);
void run_ethash_search(uint32_t grid, uint32_t block, cudaStream_t stream,
	volatile search_results* out, uint64_t start_nonce, uint32_t parallel_hash);
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// CUDARuntimeName is the registered name of the CUDA runtime.
const CUDARuntimeName = "cuda"

func init() {
	Register(CUDARuntimeName, func(logger *zap.Logger) (Runtime, error) {
		return &cudaRuntime{logger: logger}, nil
	})
}

func cudaCheck(op string, e C.cudaError_t) error {
	if e == C.cudaSuccess {
		return nil
	}
	return fmt.Errorf("%s: %s", op, C.GoString(C.cudaGetErrorString(e)))
}

type cudaRuntime struct {
	logger *zap.Logger
}

func (r *cudaRuntime) Name() string { return CUDARuntimeName }

func (r *cudaRuntime) DeviceCount() (int, error) {
	var n C.int
	if err := cudaCheck("cudaGetDeviceCount", C.cudaGetDeviceCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *cudaRuntime) Properties(ordinal int) (Props, error) {
	var p C.struct_cudaDeviceProp
	if err := cudaCheck("cudaGetDeviceProperties", C.cudaGetDeviceProperties(&p, C.int(ordinal))); err != nil {
		return Props{}, err
	}
	return Props{
		Ordinal:      ordinal,
		Name:         C.GoString(&p.name[0]),
		TotalMemory:  uint64(p.totalGlobalMem),
		ComputeMajor: int(p.major),
		ComputeMinor: int(p.minor),
		PCIDomain:    int(p.pciDomainID),
		PCIBus:       int(p.pciBusID),
		PCIDevice:    int(p.pciDeviceID),
	}, nil
}

func (r *cudaRuntime) Open(ordinal int) (Device, error) {
	if err := cudaCheck("cudaSetDevice", C.cudaSetDevice(C.int(ordinal))); err != nil {
		return nil, err
	}
	return &cudaDevice{ordinal: ordinal}, nil
}

type cudaDevice struct {
	ordinal     int
	datasetSize uint64
}

func (d *cudaDevice) Ordinal() int { return d.ordinal }

func (d *cudaDevice) Reset(flags ScheduleFlag) error {
	if err := cudaCheck("cudaDeviceReset", C.cudaDeviceReset()); err != nil {
		return err
	}
	var f C.uint
	switch flags {
	case ScheduleSpin:
		f = C.cudaDeviceScheduleSpin
	case ScheduleYield:
		f = C.cudaDeviceScheduleYield
	case ScheduleBlockingSync:
		f = C.cudaDeviceScheduleBlockingSync
	default:
		f = C.cudaDeviceScheduleAuto
	}
	if err := cudaCheck("cudaSetDeviceFlags", C.cudaSetDeviceFlags(f)); err != nil {
		return err
	}
	return cudaCheck("cudaDeviceSetCacheConfig", C.cudaDeviceSetCacheConfig(C.cudaFuncCachePreferL1))
}

func (d *cudaDevice) Alloc(size uint64) (Buffer, error) {
	var p unsafe.Pointer
	if err := cudaCheck("cudaMalloc", C.cudaMalloc(&p, C.size_t(size))); err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return Buffer{Ptr: uintptr(p), Size: size}, nil
}

func (d *cudaDevice) CopyToDevice(dst Buffer, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return cudaCheck("cudaMemcpy", C.cudaMemcpy(unsafe.Pointer(dst.Ptr), unsafe.Pointer(&src[0]),
		C.size_t(len(src)), C.cudaMemcpyHostToDevice))
}

func (d *cudaDevice) CopyToHost(dst []byte, src Buffer) error {
	if len(dst) == 0 {
		return nil
	}
	return cudaCheck("cudaMemcpy", C.cudaMemcpy(unsafe.Pointer(&dst[0]), unsafe.Pointer(src.Ptr),
		C.size_t(len(dst)), C.cudaMemcpyDeviceToHost))
}

func (d *cudaDevice) CreateStream() (Stream, error) {
	var s C.cudaStream_t
	if err := cudaCheck("cudaStreamCreate", C.cudaStreamCreate(&s)); err != nil {
		return 0, err
	}
	return Stream(uintptr(unsafe.Pointer(s))), nil
}

func (d *cudaDevice) DestroyStream(s Stream) error {
	return cudaCheck("cudaStreamDestroy", C.cudaStreamDestroy(C.cudaStream_t(unsafe.Pointer(uintptr(s)))))
}

func (d *cudaDevice) AllocResults() (*SearchResults, error) {
	var p unsafe.Pointer
	if err := cudaCheck("cudaMallocHost", C.cudaMallocHost(&p, C.size_t(unsafe.Sizeof(C.search_results{})))); err != nil {
		return nil, err
	}
	r := (*SearchResults)(p)
	r.Count = 0
	return r, nil
}

func (d *cudaDevice) FreeResults(r *SearchResults) error {
	return cudaCheck("cudaFreeHost", C.cudaFreeHost(unsafe.Pointer(r)))
}

func (d *cudaDevice) SetConstants(light, dataset Buffer) error {
	C.set_constants(unsafe.Pointer(dataset.Ptr), C.uint32_t(dataset.Size/128),
		unsafe.Pointer(light.Ptr), C.uint32_t(light.Size/64))
	d.datasetSize = dataset.Size
	return cudaCheck("set_constants", C.cudaGetLastError())
}

func (d *cudaDevice) GenerateDataset(grid, block uint32) error {
	C.ethash_generate_dag(C.uint64_t(d.datasetSize), C.uint32_t(grid), C.uint32_t(block), nil)
	if err := cudaCheck("ethash_generate_dag", C.cudaGetLastError()); err != nil {
		return err
	}
	return cudaCheck("cudaDeviceSynchronize", C.cudaDeviceSynchronize())
}

func (d *cudaDevice) SetHeader(header common.Hash, target uint64) error {
	var h C.hash32_t
	for i := range header {
		h.b[i] = C.uint8_t(header[i])
	}
	C.set_header_and_target(h, C.uint64_t(target))
	return cudaCheck("set_header_and_target", C.cudaGetLastError())
}

func (d *cudaDevice) Search(s Stream, results *SearchResults, startNonce uint64, grid, block, parallelHash uint32) error {
	C.run_ethash_search(C.uint32_t(grid), C.uint32_t(block), C.cudaStream_t(unsafe.Pointer(uintptr(s))),
		(*C.search_results)(unsafe.Pointer(results)), C.uint64_t(startNonce), C.uint32_t(parallelHash))
	return cudaCheck("run_ethash_search", C.cudaGetLastError())
}

func (d *cudaDevice) Synchronize(s Stream) error {
	return cudaCheck("cudaStreamSynchronize", C.cudaStreamSynchronize(C.cudaStream_t(unsafe.Pointer(uintptr(s)))))
}

func (d *cudaDevice) Close() error {
	return cudaCheck("cudaDeviceReset", C.cudaDeviceReset())
}
