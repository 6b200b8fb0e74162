package vault

import "termchain/observability"

func observeOperation(operation string) {
	observability.Vault().RecordOperation(operation)
}

func observeLiquidation(flavour string) {
	observability.Vault().RecordLiquidation(flavour)
}
