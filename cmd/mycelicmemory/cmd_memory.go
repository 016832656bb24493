package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MycelicMemory/mycelicmemory/internal/memory"
	"github.com/MycelicMemory/mycelicmemory/internal/search"
)

var (
	// remember flags
	rememberType    string
	rememberTags    []string
	rememberSubject string
	rememberTTL     string

	// recall flags
	recallLimit     int
	recallSubject   string
	recallMaxTokens int

	// forget flags
	forgetConfirm bool

	// update flags
	updateContent      string
	updateTags         []string
	updateSubject      string
	updateTTL          string
	updateRemoveExpiry bool

	// list flags
	listLimit  int
	listOffset int
)

// rememberCmd represents the remember command
var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store a memory",
	Long: `Store a new memory with the given content. Long content is split into
overlapping chunks automatically.

Examples:
  mycelicmemory remember "Go channels are like pipes between goroutines"
  mycelicmemory remember "Max prefers tabs" --tags lang:fmt,user --subject person:max
  mycelicmemory remember "Standup notes" --ttl 7d`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		content := strings.Join(args, " ")
		runRemember(content)
	},
}

// recallCmd represents the recall command
var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search memories",
	Long: `Search stored memories. Semantic search runs first when an embedding model
is available, falling back to keyword search otherwise.

Examples:
  mycelicmemory recall "coding style preferences"
  mycelicmemory recall "auth decisions" --limit 10
  mycelicmemory recall "deploy" --subject service:billing`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		query := strings.Join(args, " ")
		runRecall(query)
	},
}

// forgetCmd represents the forget command
var forgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Delete a memory",
	Long: `Delete a memory by id. Without --confirm this previews the deletion;
the tombstone propagates to other devices on the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runForget(args[0])
	},
}

// updateCmd represents the update command
var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a memory",
	Long: `Update a memory's content, tags, subject, or expiry. Only supplied
fields change; content changes are re-embedded.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runUpdate(args[0])
	},
}

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get memory by ID",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runGet(args[0])
	},
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories",
	Run: func(cmd *cobra.Command, args []string) {
		runList()
	},
}

// subjectsCmd represents the subjects command
var subjectsCmd = &cobra.Command{
	Use:   "subjects",
	Short: "List subjects with memory counts",
	Run: func(cmd *cobra.Command, args []string) {
		runSubjects()
	},
}

func init() {
	rememberCmd.Flags().StringVar(&rememberType, "type", "semantic", "memory type (semantic, episodic, procedural, preference)")
	rememberCmd.Flags().StringSliceVar(&rememberTags, "tags", nil, "tags (comma-separated)")
	rememberCmd.Flags().StringVar(&rememberSubject, "subject", "", "subject (type:name convention)")
	rememberCmd.Flags().StringVar(&rememberTTL, "ttl", "", "relative expiry like 1h, 7d")

	recallCmd.Flags().IntVar(&recallLimit, "limit", search.DefaultLimit, "maximum results")
	recallCmd.Flags().StringVar(&recallSubject, "subject", "", "scope results to a subject")
	recallCmd.Flags().IntVar(&recallMaxTokens, "max_tokens", 0, "token budget; overrides limit when set")

	forgetCmd.Flags().BoolVar(&forgetConfirm, "confirm", false, "actually delete instead of previewing")

	updateCmd.Flags().StringVar(&updateContent, "content", "", "new content")
	updateCmd.Flags().StringSliceVar(&updateTags, "tags", nil, "replacement tags")
	updateCmd.Flags().StringVar(&updateSubject, "subject", "", "new subject")
	updateCmd.Flags().StringVar(&updateTTL, "ttl", "", "new relative expiry")
	updateCmd.Flags().BoolVar(&updateRemoveExpiry, "remove_expiry", false, "clear any expiry")

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum results")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "pagination offset")

	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(subjectsCmd)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func runRemember(content string) {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	result, err := svc.memSvc.Remember(context.Background(), &memory.RememberOptions{
		Content: content,
		Type:    rememberType,
		Tags:    rememberTags,
		Subject: rememberSubject,
		Source:  "cli",
		TTL:     rememberTTL,
	})
	if err != nil {
		fatal(err)
	}

	if quiet {
		for _, m := range result.Memories {
			fmt.Println(m.ID)
		}
		return
	}
	if result.Chunked {
		fmt.Printf("Remembered as %d linked chunks (chunkset:%s)\n", len(result.Memories), result.ChunkSet)
	} else {
		fmt.Printf("Remembered (id: %s)\n", result.Memories[0].ID)
	}
}

func runRecall(query string) {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	resp, err := svc.searchEng.Recall(context.Background(), &search.Options{
		Query:     query,
		Limit:     recallLimit,
		Subject:   recallSubject,
		MaxTokens: recallMaxTokens,
	})
	if err != nil {
		fatal(err)
	}

	if len(resp.Results) == 0 {
		fmt.Println("No memories found.")
		return
	}

	fmt.Printf("Found %d memories (search: %s):\n\n", len(resp.Results), resp.Method)
	for _, r := range resp.Results {
		subjectNote := ""
		if r.Memory.Subject != "" {
			subjectNote = fmt.Sprintf(" [%s]", r.Memory.Subject)
		}
		fmt.Printf("- [%s] (score: %.2f, conf: %s)%s %s\n",
			r.Memory.ID, r.Score, r.Confidence, subjectNote, r.Memory.Content)
	}
}

func runForget(id string) {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	if !forgetConfirm {
		m, err := svc.memSvc.Get(id)
		if err != nil {
			fatal(err)
		}
		if m == nil {
			fmt.Printf("Memory %s not found.\n", id)
			return
		}
		fmt.Printf("Would delete: [%s] %s\nRe-run with --confirm to delete.\n", m.ID, m.Content)
		return
	}

	deleted, err := svc.memSvc.Forget(id)
	if err != nil {
		fatal(err)
	}
	if !deleted {
		fmt.Printf("Memory %s not found.\n", id)
		return
	}
	fmt.Printf("Deleted memory %s.\n", id)
}

func runUpdate(id string) {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	opts := &memory.UpdateOptions{
		TTL:          updateTTL,
		RemoveExpiry: updateRemoveExpiry,
	}
	if updateContent != "" {
		opts.Content = &updateContent
	}
	if updateTags != nil {
		opts.Tags = updateTags
	}
	if updateSubject != "" {
		opts.Subject = &updateSubject
	}

	m, err := svc.memSvc.Update(context.Background(), id, opts)
	if err != nil {
		fatal(err)
	}
	if m == nil {
		fmt.Printf("Memory %s not found.\n", id)
		return
	}
	fmt.Printf("Updated memory %s.\n", m.ID)
}

func runGet(id string) {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	m, err := svc.memSvc.Get(id)
	if err != nil {
		fatal(err)
	}
	if m == nil {
		fmt.Printf("Memory %s not found.\n", id)
		return
	}

	fmt.Printf("ID:      %s\n", m.ID)
	fmt.Printf("Type:    %s\n", m.Type)
	if m.Subject != "" {
		fmt.Printf("Subject: %s\n", m.Subject)
	}
	if len(m.Tags) > 0 {
		fmt.Printf("Tags:    %s\n", strings.Join(m.Tags, ", "))
	}
	if m.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", m.ExpiresAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("Created: %s\n", m.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Printf("\n%s\n", m.Content)
}

func runList() {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	memories, err := svc.memSvc.List(listLimit, listOffset)
	if err != nil {
		fatal(err)
	}
	if len(memories) == 0 {
		fmt.Println("No memories stored.")
		return
	}

	for _, m := range memories {
		subjectNote := ""
		if m.Subject != "" {
			subjectNote = fmt.Sprintf(" [%s]", m.Subject)
		}
		content := m.Content
		if len(content) > 80 {
			content = content[:77] + "..."
		}
		fmt.Printf("- [%s]%s %s\n", m.ID, subjectNote, content)
	}
}

func runSubjects() {
	svc, err := openServices()
	if err != nil {
		fatal(err)
	}
	defer svc.Close()

	subjects, err := svc.searchEng.Subjects()
	if err != nil {
		fatal(err)
	}
	if len(subjects) == 0 {
		fmt.Println("No subjects recorded.")
		return
	}
	for _, sc := range subjects {
		fmt.Printf("%-40s %d\n", sc.Subject, sc.Count)
	}
}
