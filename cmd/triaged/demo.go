package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/studiorosalind/triage"
	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/engine"
	enginant "github.com/studiorosalind/triage/engine/anthropic"
	enginoai "github.com/studiorosalind/triage/engine/openai"
	"github.com/studiorosalind/triage/registry"
)

var (
	headerColor   = color.New(color.FgCyan, color.Bold)
	badgeStatus   = color.New(color.FgYellow)
	badgeMessage  = color.New(color.FgCyan)
	badgeContext  = color.New(color.FgGreen)
	badgeSolution = color.New(color.FgMagenta)
	dimColor      = color.New(color.FgHiBlack)
	okColor       = color.New(color.FgGreen, color.Bold)
	failColor     = color.New(color.FgRed, color.Bold)
)

func demoCmd() *cobra.Command {
	var (
		engineName string
		model      string
		stepDelay  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Analyze a sample issue in-process and render the event stream",
		Long: `Runs one analysis end to end without a server: the sample issue is
submitted against the bundled diagnostics and knowledgebase providers, and
every stream event is rendered as it arrives. By default the scripted engine
is used; --engine runs the demo against a real model instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(engineName, model, stepDelay)
		},
	}
	cmd.Flags().StringVar(&engineName, "engine", "scripted", "Analysis engine (scripted, anthropic, openai)")
	cmd.Flags().StringVar(&model, "model", "", "Model id for a real engine (provider default when empty)")
	cmd.Flags().DurationVar(&stepDelay, "delay", 400*time.Millisecond, "Pause between scripted progress steps")
	return cmd
}

func demoEngine(name, model string, stepDelay time.Duration) (engine.Engine, error) {
	switch name {
	case "scripted":
		return engine.NewScripted(func(o *engine.ScriptedOptions) {
			o.StepDelay = stepDelay
		}), nil
	case "anthropic":
		if os.Getenv("ANTHROPIC_API_KEY") == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
		}
		return enginant.New(func(o *enginant.Options) {
			if model != "" {
				o.Model = sdkanthropic.Model(model)
			}
		}), nil
	case "openai":
		if os.Getenv("OPENAI_API_KEY") == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		return enginoai.New(func(o *enginoai.Options) {
			if model != "" {
				o.Model = model
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown engine %q (scripted, anthropic, openai)", name)
	}
}

func runDemo(engineName, model string, stepDelay time.Duration) error {
	eng, err := demoEngine(engineName, model, stepDelay)
	if err != nil {
		return err
	}

	tr := triage.New(func(o *triage.Options) {
		o.Engine = eng
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	}()

	in := sampleSubmission()

	fmt.Println()
	headerColor.Println("triaged demo")
	fmt.Printf("engine: %s\n", eng.Name())
	fmt.Printf("issue:  %s\n", in.Title)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	issue, err := tr.Submit(ctx, in)
	if err != nil {
		return err
	}
	sub, err := tr.Subscribe(issue.ID)
	if err != nil {
		return err
	}
	defer sub.Close()

	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond)
	s.Suffix = " analyzing..."
	s.Start()
	defer s.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case ev, ok := <-sub.Events():
			s.Stop()
			if !ok {
				if err := sub.Err(); err != nil {
					return fmt.Errorf("event stream closed: %w", err)
				}
				return printOutcome(ctx, tr, issue.ID)
			}
			renderEvent(ev)
			if sp, isStatus := ev.Payload.(core.StatusPayload); isStatus && sp.Status.IsTerminal() {
				fmt.Println()
				return printOutcome(ctx, tr, issue.ID)
			}
			s.Start()
		}
	}
}

func sampleSubmission() registry.NewIssue {
	return registry.NewIssue{
		Title:       "NullPointerException in OrderService.submitOrder",
		Description: "Checkout requests intermittently fail with a 500 since this morning's deploy.",
		Source:      core.SourceWeb,
		ErrorMessage: "java.lang.NullPointerException: Cannot invoke " +
			"\"Customer.getId()\" because \"customer\" is null",
		StackTrace: "java.lang.NullPointerException: Cannot invoke \"Customer.getId()\" because \"customer\" is null\n" +
			"\tat com.shop.order.OrderService.submitOrder(OrderService.java:42)\n" +
			"\tat com.shop.order.OrderController.create(OrderController.java:27)",
		EventTransactionID: "txn-9f31",
		Metadata:           map[string]string{"service": "order-service", "env": "production"},
	}
}

func renderEvent(ev core.StreamEvent) {
	seq := dimColor.Sprintf("#%02d", ev.SequenceNo)
	switch p := ev.Payload.(type) {
	case core.MessagePayload:
		fmt.Printf("%s %s %s\n", seq, badgeMessage.Sprint("[message]"), p.Content)
	case core.StatusPayload:
		line := string(p.Status)
		if p.Reason != "" {
			line += " (" + string(p.Reason) + ")"
		}
		if p.Detail != "" {
			line += ": " + p.Detail
		}
		fmt.Printf("%s %s %s\n", seq, badgeStatus.Sprint("[status]"), line)
	case core.ContextPayload:
		fmt.Printf("%s %s gathered %s\n", seq, badgeContext.Sprint("[context]"), p.ContextType)
	case core.SolutionPayload:
		fmt.Printf("%s %s solution drafted with %d steps\n", seq, badgeSolution.Sprint("[solution]"), len(p.Solution.Steps))
	default:
		fmt.Printf("%s [%s]\n", seq, ev.Kind)
	}
}

func printOutcome(ctx context.Context, tr *triage.Triage, issueID string) error {
	final, err := tr.Get(ctx, issueID)
	if err != nil {
		return err
	}

	if final.Status != core.StatusResolved {
		failColor.Printf("analysis ended %s", final.Status)
		if final.FailureReason != "" {
			fmt.Printf(" (%s)", final.FailureReason)
		}
		fmt.Println()
		return nil
	}

	okColor.Println("analysis resolved")
	fmt.Println()
	sol := final.Solution
	fmt.Printf("root cause: %s\n", sol.RootCause)
	if sol.Explanation != "" {
		fmt.Printf("%s\n", dimColor.Sprint(sol.Explanation))
	}
	fmt.Println()
	for _, step := range sol.Steps {
		fmt.Printf("  %d. %s\n", step.StepNumber, step.Description)
		for file, change := range step.CodeChanges {
			fmt.Printf("     %s\n", dimColor.Sprintf("%s: %s", file, change))
		}
		for _, c := range step.Commands {
			fmt.Printf("     %s\n", dimColor.Sprint("$ "+c))
		}
	}
	if len(sol.References) > 0 {
		fmt.Println()
		fmt.Printf("references: %v\n", sol.References)
	}
	return nil
}
