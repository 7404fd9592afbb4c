// Package guest is the guest-side half of the sandbox byte ABI, for Go
// modules compiled with GOOS=wasip1 GOARCH=wasm -buildmode=c-shared.
//
// Importing the package exports allocate and deallocate from the module.
// Guest functions are exported with go:wasmexport and delegate to Serve:
//
//	//go:wasmexport greet
//	func greet(ptr, size uint32) uint64 {
//		return guest.Serve(ptr, size, func(ctx context.Context, params []byte) (any, error) {
//			return map[string]string{"greeting": "hello"}, nil
//		})
//	}
//
// Host functions are reached through a Host. Inside the sandbox Default
// returns one bound to the "sandbox" import module; elsewhere its calls
// fail with ErrNoHost.
package guest
