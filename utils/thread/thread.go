// Package thread pins the calling goroutine to a CPU core.
package thread

/*
   #define _GNU_SOURCE
   #include <sched.h>
   #include <pthread.h>

   int set_cpu_affinity(int core_id) {
       cpu_set_t cpuset;
       CPU_ZERO(&cpuset);
       CPU_SET(core_id, &cpuset);
       return pthread_setaffinity_np(pthread_self(), sizeof(cpu_set_t), &cpuset);
   }
*/
import "C"

import (
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetCPUAffinity locks the calling goroutine to its OS thread and keeps
// that thread on coreID. The lock is held until the goroutine exits.
func SetCPUAffinity(coreID int) error {
	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return errors.Wrap(err, "Can not read cpu affinity")
	}
	if coreID < 0 || !allowed.IsSet(coreID) {
		return errors.Errorf("cpu %d is not available to this process", coreID)
	}

	runtime.LockOSThread()
	if rc := C.set_cpu_affinity(C.int(coreID)); rc != 0 {
		runtime.UnlockOSThread()
		return errors.Wrapf(syscall.Errno(rc), "Can not pin thread to cpu %d", coreID)
	}
	return nil
}
