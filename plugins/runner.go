package plugins

import "fmt"

// RunReceiptChain evaluates every plugin whose ShouldHandle accepts the
// receipt and returns the non-nil mutations in chain order. The chain runs
// sequentially: plugins share one database transaction through the helpers,
// and the processor applies mutations in exactly this order.
func RunReceiptChain(chain []ReceiptPlugin, ctx *ReceiptContext, h Helpers) ([]*Mutation, error) {
	mutations := make([]*Mutation, 0, len(chain))
	for _, plugin := range chain {
		if !plugin.ShouldHandle(ctx) {
			continue
		}
		mutation, err := plugin.Apply(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", plugin.Name(), err)
		}
		if mutation != nil {
			mutations = append(mutations, mutation)
		}
	}
	return mutations, nil
}

// RunRedeemChain asks each accepting plugin in order and returns the first
// non-nil result. A nil return means no plugin accepted the request; the
// processor treats that as a retryable error.
func RunRedeemChain(chain []RedeemPlugin, ctx *RedeemContext, h RedeemHelpers) (*RedeemResult, error) {
	for _, plugin := range chain {
		if !plugin.ShouldHandle(ctx) {
			continue
		}
		result, err := plugin.Apply(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", plugin.Name(), err)
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}
