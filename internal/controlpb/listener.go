package controlpb

// Reserved listener ids. Every control message names the listener id of its
// intended recipient via ListenerID(); these two are always registered.
const (
	ListenerMaster   = "runtime-master"
	ListenerExecutor = "executor"
)
