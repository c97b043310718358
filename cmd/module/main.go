package main

import (
	d1 "d1_arm"

	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: d1.D1MotionModel},
		resource.APIModel{API: discovery.API, Model: d1.D1DiscoveryModel},
	)
}
