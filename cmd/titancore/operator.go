package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/foundryfi/titan-core/internal/codec"
	"github.com/foundryfi/titan-core/internal/config"
	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/logx"
	"github.com/foundryfi/titan-core/internal/operator"
	"github.com/foundryfi/titan-core/internal/replay"
	"github.com/foundryfi/titan-core/internal/transport"
)

// newOperatorCmd builds the "operator" command tree: one subcommand per
// Operator Command Surface verb (spec §4.J). Every subcommand signs a
// operator.Command with HMAC_SECRET and sends it over the fast-path
// transport to a running "serve" process.
func newOperatorCmd() *cobra.Command {
	var initiatorID string
	var reason string

	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Sign and send ARM/DISARM/HALT/FLATTEN/SET_POSTURE/APPLY_PRESET commands",
	}
	cmd.PersistentFlags().StringVar(&initiatorID, "initiator", "", "operator identity attributed to the command (required)")
	cmd.PersistentFlags().StringVar(&reason, "reason", "", "human-readable justification recorded with the command")

	cmd.AddCommand(
		newOperatorVerbCmd("arm", operator.Arm, &initiatorID, &reason, false),
		newOperatorVerbCmd("disarm", operator.Disarm, &initiatorID, &reason, false),
		newOperatorVerbCmd("halt", operator.Halt, &initiatorID, &reason, false),
		newOperatorVerbCmd("flatten", operator.Flatten, &initiatorID, &reason, false),
		newOperatorTargetCmd("set-posture", operator.SetPosture, &initiatorID, &reason),
		newOperatorTargetCmd("apply-preset", operator.ApplyPreset, &initiatorID, &reason),
	)
	return cmd
}

// newOperatorVerbCmd builds a targetless verb's subcommand (ARM, DISARM,
// HALT, FLATTEN).
func newOperatorVerbCmd(use string, verb operator.Type, initiatorID, reason *string, _ bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "Send " + string(verb),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendOperatorCommand(cmd.Context(), verb, *initiatorID, *reason, "")
		},
	}
}

// newOperatorTargetCmd builds a subcommand that requires a positional
// target argument (the posture value for SET_POSTURE, the preset name
// for APPLY_PRESET).
func newOperatorTargetCmd(use string, verb operator.Type, initiatorID, reason *string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <target>",
		Short: "Send " + string(verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendOperatorCommand(cmd.Context(), verb, *initiatorID, *reason, args[0])
		},
	}
}

// sendOperatorCommand signs cmdType as an operator.Command, dials the
// fast-path socket and blocks for the reply, exiting the process with
// the code spec §6 assigns to the resulting error (or 0 on success).
func sendOperatorCommand(ctx context.Context, cmdType operator.Type, initiatorID, reason, target string) error {
	log := logx.For("operator-cli")

	if initiatorID == "" {
		fmt.Fprintln(os.Stderr, "--initiator is required")
		os.Exit(int(operator.ExitUnauthorized))
	}

	env, err := config.LoadEnv(nil)
	if err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}

	cmd := operator.Command{
		CommandID:   uuid.NewString(),
		Type:        cmdType,
		InitiatorID: initiatorID,
		Reason:      reason,
		Nonce:       uint64(time.Now().UnixNano()),
		IssuedAt:    time.Now().UTC(),
		Target:      target,
	}
	signed, err := operator.Sign(cmd, env.HMACSecret)
	if err != nil {
		return fmt.Errorf("signing operator command: %w", err)
	}

	wireCodec := codec.New(env.HMACSecret, 5*time.Second, replay.NewMemoryStore())
	client := transport.NewClient(env.SocketPath, wireCodec, log)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connecting to fast-path socket %s: %w", env.SocketPath, err)
	}
	defer client.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 10*time.Second)
	defer cancelCall()
	reply, err := client.Call(callCtx, map[string]any{"type": codec.TypeOperatorCmd, "command": signed})
	if err != nil {
		return fmt.Errorf("sending operator command: %w", err)
	}

	var body struct {
		Type   codec.PayloadType `json:"type"`
		Reason errs.Kind         `json:"reason"`
	}
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}

	if body.Type == codec.TypeError {
		replyErr := errs.New(body.Reason, "operator command rejected")
		fmt.Fprintf(os.Stderr, "%s rejected: %s\n", cmdType, body.Reason)
		os.Exit(int(operator.ExitCodeFor(replyErr)))
	}

	fmt.Printf("%s accepted (command_id=%s)\n", cmdType, signed.CommandID)
	return nil
}
