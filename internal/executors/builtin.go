package executors

import (
	"log/slog"
)

// RegisterBuiltins wires every catalog node type into the registry using the
// injected ports. The registry must cover the whole catalog: validation
// admits any catalog type, so execution must be able to dispatch it.
func RegisterBuiltins(registry *Registry, ports *Ports, logger *slog.Logger) error {
	if ports == nil {
		ports = &Ports{}
	}

	all := []NodeExecutor{
		NewStartExecutor(),
		NewEndExecutor(),
		NewConditionExecutor(),
		NewParallelExecutor(),
		NewLoopExecutor(),
		NewCalculateExecutor(),
		NewToolExecutor(ports.Tools),
		NewAIStepExecutor(ports.Reasoner),
		NewDocExtractExecutor(ports.Documents),
		NewDocGenerateExecutor(ports.Renderer),
		NewApprovalExecutor(ports.Identities),
		NewFormExecutor(ports.Identities),
		NewNotificationExecutor(ports.Notifier, ports.Identities, logger),
		NewSubprocessExecutor(ports.Subprocess),
		NewDelayExecutor(),
	}

	for _, exec := range all {
		if err := registry.Register(exec); err != nil {
			return err
		}
	}
	return nil
}
