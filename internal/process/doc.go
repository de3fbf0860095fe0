// Package process launches external programs with inherited pipes.
//
// A Task runs one executable once. Before launch the caller registers
// named pipes; each pipe's child end is duplicated onto an exact descriptor
// number in the child, and the parent keeps the other end:
//
//	task := process.NewTask("/usr/bin/gpg", []string{"--status-fd", "3", "--verify", sig})
//	if err := task.InheritPipe(process.ModeWrite, 3, "status"); err != nil {
//	    return err
//	}
//	defer task.Close()
//
//	go consume(task.InheritedPipe("status").Reader())
//	if err := task.LaunchAndWait(ctx, nil); err != nil {
//	    return err
//	}
//	fmt.Println(task.TerminationStatus())
//
// # Descriptors
//
// The child sees registered pipes at their target numbers and nothing else
// beyond 0-2; unregistered standard descriptors are /dev/null. The parent
// closes its copies of the child ends right after the spawn, so a reader of
// a child-written pipe sees EOF once the child (and anything it forked)
// exits.
//
// # Cancellation
//
// Cancel before launch prevents the spawn. Cancel after launch sends SIGTERM
// to the child's process group and SIGKILL after the kill grace; the wait in
// LaunchAndWait observes the exit and records 128+signal as the status.
//
// # Supervisor
//
// Supervisor tracks running tasks so a shutdown can cancel all of them:
//
//	s := process.NewSupervisor()
//	defer s.Shutdown(5 * time.Second)
//	err := s.Run(ctx, "verify", task, nil)
package process
