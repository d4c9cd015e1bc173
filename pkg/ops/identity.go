package ops

import (
	"context"

	"github.com/CIRWEL/unitares/pkg/models"
)

// opOnboard resolves or creates an identity. The api key appears in the
// result exactly once, on creation; a matched-but-unadopted identity
// surfaces as AMBIGUOUS_EXISTING with the candidate in the details.
func (d *Dispatcher) opOnboard(ctx context.Context, call *Call) (any, error) {
	displayName, err := call.Args.OptString("display_name")
	if err != nil {
		return nil, err
	}
	claimToken, err := call.Args.OptString("name_claim_token")
	if err != nil {
		return nil, err
	}
	model, err := call.Args.OptString("model")
	if err != nil {
		return nil, err
	}
	resume, err := call.Args.OptBool("resume")
	if err != nil {
		return nil, err
	}
	forceNew, err := call.Args.OptBool("force_new")
	if err != nil {
		return nil, err
	}
	if resume && forceNew {
		return nil, models.NewError(models.ErrCodeBadInput,
			"resume and force_new are mutually exclusive")
	}

	res, err := d.deps.Registry.Resolve(ctx, &models.ResolveRequest{
		DisplayName:    displayName,
		NameClaimToken: claimToken,
		Model:          model,
		Resume:         resume,
		ForceNew:       forceNew,
		Fingerprint:    call.Fingerprint,
	})
	if err != nil {
		return nil, err
	}
	if res.Candidate != nil {
		return nil, models.NewError(models.ErrCodeAmbiguousExisting,
			"an existing identity matches; choose whether to adopt it").
			WithDetails(map[string]any{"candidate": res.Candidate}).
			WithRecovery("onboard with resume=true", "onboard with force_new=true")
	}
	return res, nil
}

func (d *Dispatcher) opIdentity(ctx context.Context, call *Call) (any, error) {
	agent, err := call.RequireAgent()
	if err != nil {
		return nil, err
	}

	result := map[string]any{"identity": agent}
	session, err := d.deps.Dialectic.OpenSessionFor(ctx, agent.UUID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		result["open_session"] = session
	}
	return result, nil
}

func (d *Dispatcher) opSetDisplayName(ctx context.Context, call *Call) (any, error) {
	agent, err := call.RequireAgent()
	if err != nil {
		return nil, err
	}
	name, err := call.Args.String("display_name")
	if err != nil {
		return nil, err
	}
	return d.deps.Registry.SetDisplayName(ctx, agent.UUID, name)
}

// opRotateKey requires the caller to prove possession of the current key,
// so a hijacked session cannot mint itself a durable credential.
func (d *Dispatcher) opRotateKey(ctx context.Context, call *Call) (any, error) {
	agent, err := call.RequireAgent()
	if err != nil {
		return nil, err
	}
	if call.apiKey == "" {
		return nil, models.NewError(models.ErrCodeAuthFailed,
			"rotate_key requires authenticating with the current api key").
			WithRecovery("retry with agent_uuid and api_key")
	}
	next, err := d.deps.Registry.RotateKey(ctx, agent.UUID, call.apiKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent_uuid": agent.UUID, "api_key": next}, nil
}
