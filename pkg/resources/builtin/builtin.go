package builtin

import (
	"github.com/calderahq/caldera/pkg/resources"
)

// Register adds all builtin providers to a registry. The deployer may be
// nil when remote provisioning is disabled; software.deployment then fails
// at run time with a clear error.
func Register(reg *resources.Registry, deployer Deployer) error {
	providers := map[string]resources.Provider{
		"core.none":           NewNoneProvider(),
		"core.value":          NewValueProvider(),
		"core.random_string":  NewRandomStringProvider(),
		"software.config":     NewSoftwareConfigProvider(),
		"software.deployment": NewDeploymentProvider(deployer),
	}
	for typ, p := range providers {
		if err := reg.Register(typ, p); err != nil {
			return err
		}
	}
	return nil
}
