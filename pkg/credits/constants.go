package credits

const (
	operationMutate            = "mutate"
	operationCreateCommission  = "create_commission"
	operationApproveCommission = "approve_commission"
	operationRejectCommission  = "reject_commission"
	operationPayoutCommission  = "payout_commission"
	operationAdminAdjust       = "admin_adjust"
	operationSetUnlimited      = "set_unlimited"
	operationChargeUsage       = "charge_usage"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultMetadataJSON = "{}"

	defaultListLimit = 50
	maxListLimit     = 200
)
