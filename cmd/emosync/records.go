package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/recordstore"
	"github.com/moodjar/emosync/internal/ui"
)

// recordInput carries the user-editable fields of a record.
type recordInput struct {
	Type      string
	Intensity float64
	Value     float64
	Note      string
	ColorTag  string
	RegionID  string
	EventType string
	Tags      []string
}

// build turns in into a new NotSynced record stamped at now.
func (in recordInput) build(now time.Time) (model.EmotionRecord, error) {
	r := model.NewRecord(model.EmotionType(strings.ToLower(strings.TrimSpace(in.Type))), in.Intensity, in.Value, now)
	r.Note = strings.TrimSpace(in.Note)
	r.ColorTag = in.ColorTag
	r.RegionID = in.RegionID
	r.EventType = in.EventType
	r.Tags = cleanTags(in.Tags)
	if err := r.Validate(); err != nil {
		return model.EmotionRecord{}, err
	}
	return r, nil
}

// cleanTags trims, lowercases and de-duplicates tags, keeping their order.
func cleanTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range tags {
		for _, part := range strings.Split(t, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}

// isInteractive reports whether stdin is a terminal a form can run on.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// promptRecord fills in from an interactive form.
func promptRecord(in *recordInput) error {
	if in.Type == "" {
		in.Type = string(model.EmotionNeutral)
	}
	intensity := fmt.Sprintf("%.2f", in.Intensity)
	value := fmt.Sprintf("%.2f", in.Value)
	tags := strings.Join(in.Tags, ", ")

	types := make([]string, len(model.EmotionTypes))
	for i, t := range model.EmotionTypes {
		types[i] = string(t)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("How do you feel?").
				Options(huh.NewOptions(types...)...).
				Value(&in.Type),
			huh.NewInput().
				Title("Intensity").
				Description("0 (barely) to 1 (overwhelming)").
				Value(&intensity).
				Validate(rangeValidator(model.MinIntensity, model.MaxIntensity)),
			huh.NewInput().
				Title("Valence").
				Description("-1 (unpleasant) to 1 (pleasant)").
				Value(&value).
				Validate(rangeValidator(model.MinValue, model.MaxValue)),
		),
		huh.NewGroup(
			huh.NewText().
				Title("Note").
				CharLimit(model.MaxNoteLength).
				Value(&in.Note),
			huh.NewInput().
				Title("Tags").
				Description("Comma separated").
				Value(&tags),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	in.Intensity, _ = parseFloat(intensity)
	in.Value, _ = parseFloat(value)
	in.Tags = cleanTags([]string{tags})
	return nil
}

func rangeValidator(lo, hi float64) func(string) error {
	return func(s string) error {
		v, err := parseFloat(s)
		if err != nil {
			return err
		}
		if v < lo || v > hi {
			return fmt.Errorf("must be between %v and %v", lo, hi)
		}
		return nil
	}
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

// applyEdits copies the changed edit flags onto r.
func applyEdits(cmd *cobra.Command, r *model.EmotionRecord) {
	flags := cmd.Flags()
	if flags.Changed("type") {
		t, _ := flags.GetString("type")
		r.Type = model.EmotionType(strings.ToLower(strings.TrimSpace(t)))
	}
	if flags.Changed("intensity") {
		r.Intensity, _ = flags.GetFloat64("intensity")
	}
	if flags.Changed("value") {
		r.Value, _ = flags.GetFloat64("value")
	}
	if flags.Changed("note") {
		note, _ := flags.GetString("note")
		r.Note = strings.TrimSpace(note)
	}
	if flags.Changed("color") {
		r.ColorTag, _ = flags.GetString("color")
	}
	if flags.Changed("tags") {
		tags, _ := flags.GetStringSlice("tags")
		r.Tags = cleanTags(tags)
	}
}

// lookup finds a record by id or unique id prefix.
func lookup(ctx context.Context, store *recordstore.Store, id string) (model.EmotionRecord, error) {
	r, err := store.Get(ctx, id)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.EmotionRecord{}, err
	}

	var matches []model.EmotionRecord
	for _, c := range store.All(ctx) {
		if strings.HasPrefix(c.ID, id) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return model.EmotionRecord{}, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return model.EmotionRecord{}, fmt.Errorf("id prefix %q is ambiguous (%d matches)", id, len(matches))
	}
}

var addCmd = &cobra.Command{
	Use:     "add [emotion]",
	GroupID: "records",
	Short:   "Record an emotion",
	Long: `Record an emotion in the local cache. It is uploaded by the next sync.

Without an emotion argument and with a terminal on stdin, an interactive
form is shown. Otherwise the record is built from flags.

Examples:
  emosync add joy --intensity 0.7 --value 0.8 --note "sunny walk"
  emosync add anxiety -i 0.4 -v -0.3 --tags work,deadline
  emosync add                      # interactive form`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		in := recordInput{}
		in.Intensity, _ = cmd.Flags().GetFloat64("intensity")
		in.Value, _ = cmd.Flags().GetFloat64("value")
		in.Note, _ = cmd.Flags().GetString("note")
		in.ColorTag, _ = cmd.Flags().GetString("color")
		in.RegionID, _ = cmd.Flags().GetString("region")
		in.EventType, _ = cmd.Flags().GetString("event")
		in.Tags, _ = cmd.Flags().GetStringSlice("tags")
		if len(args) == 1 {
			in.Type = args[0]
		}

		if in.Type == "" {
			if !isInteractive() {
				fmt.Fprintf(os.Stderr, "Error: emotion is required (one of %s)\n", emotionNames())
				os.Exit(1)
			}
			if err := promptRecord(&in); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					os.Exit(130)
				}
				exitOn(err, "reading form")
			}
		}

		r, err := in.build(time.Now())
		exitOn(err, "building record")

		a := openApp(cmd)
		defer a.Close()
		ctx := cmd.Context()
		exitOn(a.store.Put(ctx, r), "saving record")

		fmt.Printf("%s Recorded %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(string(r.Type)), ui.RenderMuted(r.ID))
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "records",
	Short:   "Change a recorded emotion",
	Long: `Change fields of an existing record. Only the flags given are applied,
and the record is queued for upload again.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd)
		defer a.Close()
		ctx := cmd.Context()

		current, err := lookup(ctx, a.store, args[0])
		exitOn(err, "finding record")

		next := current.Clone()
		applyEdits(cmd, &next)
		exitOn(next.Validate(), "validating record")
		if next.ContentEqual(&current) {
			fmt.Printf("%s Nothing changed\n", ui.RenderWarn("⚠"))
			return
		}

		updated, err := a.store.Update(ctx, current.ID, func(r *model.EmotionRecord) bool {
			// A sync may have replaced the content since it was read.
			if !r.ContentEqual(&current) {
				return false
			}
			*r = r.WithContentOf(next)
			r.Touch()
			return true
		})
		exitOn(err, "updating record")
		if !updated.ContentEqual(&next) {
			fmt.Fprintf(os.Stderr, "Error: %s changed during the edit, try again\n", current.ID)
			os.Exit(1)
		}
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), ui.RenderMuted(updated.ID))
	},
}

var getCmd = &cobra.Command{
	Use:     "get <id>",
	GroupID: "records",
	Short:   "Show one record",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd)
		defer a.Close()

		r, err := lookup(cmd.Context(), a.store, args[0])
		exitOn(err, "finding record")

		format, _ := cmd.Flags().GetString("output")
		exitOn(writeRecord(os.Stdout, format, r), "printing record")
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	GroupID: "records",
	Short:   "Delete a record here and, on the next sync, remotely",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd)
		defer a.Close()
		ctx := cmd.Context()

		r, err := lookup(ctx, a.store, args[0])
		exitOn(err, "finding record")

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && isInteractive() {
			confirm := false
			err := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Delete %s from %s?", r.Type, r.Time().Format(time.DateTime))).
					Value(&confirm),
			)).Run()
			if err != nil || !confirm {
				fmt.Println("Aborted")
				return
			}
		}

		exitOn(a.store.Delete(ctx, r.ID), "deleting record")
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), ui.RenderMuted(r.ID))
	},
}

func emotionNames() string {
	names := make([]string, len(model.EmotionTypes))
	for i, t := range model.EmotionTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func init() {
	for _, c := range []*cobra.Command{addCmd, editCmd} {
		c.Flags().Float64P("intensity", "i", 0.5, "Intensity from 0 to 1")
		c.Flags().Float64P("value", "v", 0, "Valence from -1 (unpleasant) to 1 (pleasant)")
		c.Flags().StringP("note", "n", "", "Free-text note")
		c.Flags().String("color", "", "Color tag as #RRGGBB or #RRGGBBAA")
		c.Flags().StringSlice("tags", nil, "Comma-separated tags")
	}
	addCmd.Flags().String("region", "", "Region identifier")
	addCmd.Flags().String("event", "", "Event type, e.g. work or family")
	editCmd.Flags().String("type", "", "Emotion type")
	getCmd.Flags().StringP("output", "o", "yaml", "Output format: table, json or yaml")
	rmCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(addCmd, editCmd, getCmd, rmCmd)
}
