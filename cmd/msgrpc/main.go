// msgrpc is a command-line MessagePack-RPC client.
//
//	msgrpc call add 1 2
//	msgrpc notify log '"hello"'
//	msgrpc bench --method echo --concurrency 64 --calls 100000
package main

func main() {
	Execute()
}
