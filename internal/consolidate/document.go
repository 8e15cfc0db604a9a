package consolidate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/cnpjsync/internal/core"
	"github.com/JonMunkholm/cnpjsync/internal/export"
)

// DocumentDefinition describes the nested company documents artifact.
var DocumentDefinition = core.EntityDefinition{
	Type:  core.EntityCompanyDocument,
	Table: "empresas_documentos",
	Label: "Company documents",
}

// Coded is a code with its resolved description.
type Coded struct {
	Codigo    any     `json:"codigo"`
	Descricao *string `json:"descricao"`
}

// Named is a code with its resolved name.
type Named struct {
	Codigo any     `json:"codigo"`
	Nome   *string `json:"nome"`
}

// CompanyDocument is one company with its establishments, partners and
// Simples Nacional status nested inside.
type CompanyDocument struct {
	ID                      string          `json:"_id"`
	CNPJBasico              string          `json:"cnpj_basico"`
	RazaoSocial             *string         `json:"razao_social"`
	NaturezaJuridica        *Coded          `json:"natureza_juridica"`
	QualificacaoResponsavel *Coded          `json:"qualificacao_responsavel"`
	CapitalSocial           float64         `json:"capital_social"`
	Porte                   *Coded          `json:"porte"`
	EnteFederativo          *string         `json:"ente_federativo"`
	Estabelecimentos        []Establishment `json:"estabelecimentos"`
	Socios                  []Partner       `json:"socios"`
	Simples                 *Simples        `json:"simples"`
}

// Establishment is a nested establishment.
type Establishment struct {
	CNPJ                    string   `json:"cnpj"`
	CNPJFormatado           string   `json:"cnpj_formatado"`
	Matriz                  bool     `json:"matriz"`
	NomeFantasia            *string  `json:"nome_fantasia"`
	SituacaoCadastral       *Coded   `json:"situacao_cadastral"`
	DataSituacaoCadastral   *string  `json:"data_situacao_cadastral"`
	MotivoSituacaoCadastral *Coded   `json:"motivo_situacao_cadastral"`
	DataInicioAtividade     *string  `json:"data_inicio_atividade"`
	CNAEPrincipal           *Coded   `json:"cnae_principal"`
	CNAEsSecundarios        []string `json:"cnaes_secundarios"`
	Endereco                Address  `json:"endereco"`
	Contato                 *Contact `json:"contato"`
}

// Address is the establishment address.
type Address struct {
	TipoLogradouro *string `json:"tipo_logradouro"`
	Logradouro     *string `json:"logradouro"`
	Numero         *string `json:"numero"`
	Complemento    *string `json:"complemento"`
	Bairro         *string `json:"bairro"`
	CEP            *string `json:"cep"`
	UF             *string `json:"uf"`
	Municipio      *Named  `json:"municipio"`
	Pais           *Named  `json:"pais"`
}

// Contact holds the non-empty contact channels of an establishment.
type Contact struct {
	Telefone1 string `json:"telefone1,omitempty"`
	Telefone2 string `json:"telefone2,omitempty"`
	Fax       string `json:"fax,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Partner is a nested partner.
type Partner struct {
	Tipo               *Coded               `json:"tipo"`
	Nome               *string              `json:"nome"`
	Documento          *string              `json:"documento"`
	Qualificacao       *Coded               `json:"qualificacao"`
	DataEntrada        *string              `json:"data_entrada"`
	Pais               *Named               `json:"pais"`
	RepresentanteLegal *LegalRepresentative `json:"representante_legal"`
	FaixaEtaria        *int64               `json:"faixa_etaria"`
}

// LegalRepresentative is the legal representative of a partner.
type LegalRepresentative struct {
	Documento    *string `json:"documento"`
	Nome         *string `json:"nome"`
	Qualificacao *Coded  `json:"qualificacao"`
}

// Simples is the Simples Nacional and MEI status of a company.
type Simples struct {
	OptanteSimples      bool    `json:"optante_simples"`
	DataOpcaoSimples    *string `json:"data_opcao_simples"`
	DataExclusaoSimples *string `json:"data_exclusao_simples"`
	OptanteMEI          bool    `json:"optante_mei"`
	DataOpcaoMEI        *string `json:"data_opcao_mei"`
	DataExclusaoMEI     *string `json:"data_exclusao_mei"`
}

// Fixed code descriptions published with the dataset layout.
var (
	porteDescriptions = map[string]string{
		"00": "Não informado",
		"01": "Micro Empresa",
		"03": "Empresa de Pequeno Porte",
		"05": "Demais",
	}
	situacaoDescriptions = map[int64]string{
		1: "Nula",
		2: "Ativa",
		3: "Suspensa",
		4: "Inapta",
		8: "Baixada",
	}
	partnerTypeDescriptions = map[int64]string{
		1: "Pessoa Jurídica",
		2: "Pessoa Física",
		3: "Estrangeiro",
	}
)

// maskedRepresentative is the placeholder document of partners without a
// legal representative.
const maskedRepresentative = "***000000**"

// lookups maps lookup entities to code→description tables.
type lookups map[core.EntityType]map[int64]string

func (l lookups) describe(entity core.EntityType, code int64) *string {
	if d, ok := l[entity][code]; ok {
		return &d
	}
	return nil
}

// view resolves columns by name for records of one entity.
type view struct {
	idx map[string]int
}

func newView(def core.EntityDefinition) view {
	idx := make(map[string]int, len(def.Fields))
	for i, f := range def.Fields {
		idx[f.Name] = i
	}
	return view{idx: idx}
}

func (v view) get(rec core.Record, col string) any {
	i, ok := v.idx[col]
	if !ok || i >= len(rec) {
		return nil
	}
	return rec[i]
}

func (v view) text(rec core.Record, col string) *string {
	s, ok := v.get(rec, col).(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

func (v view) str(rec core.Record, col string) string {
	if s := v.text(rec, col); s != nil {
		return *s
	}
	return ""
}

func (v view) integer(rec core.Record, col string) (int64, bool) {
	n, ok := v.get(rec, col).(int64)
	return n, ok
}

func (v view) date(rec core.Record, col string) *string {
	t, ok := v.get(rec, col).(time.Time)
	if !ok {
		return nil
	}
	s := t.Format(core.DateLayout)
	return &s
}

// Denormalize builds one CompanyDocument per consolidated company from the
// flat artifacts and writes them as jsonl. It returns nil when no company
// artifact exists.
func (e *Engine) Denormalize(ctx context.Context, artifacts []Artifact) (*Artifact, error) {
	byEntity := make(map[core.EntityType]Artifact, len(artifacts))
	for _, a := range artifacts {
		byEntity[a.Entity] = a
	}
	companies, ok := byEntity[core.EntityCompany]
	if !ok {
		e.log.Warn("no company artifact, skipping denormalization")
		return nil, nil
	}

	lk := make(lookups)
	for _, def := range core.All() {
		if !def.Type.IsLookup() {
			continue
		}
		a, ok := byEntity[def.Type]
		if !ok {
			continue
		}
		table, err := e.loadLookup(a, def)
		if err != nil {
			return nil, err
		}
		lk[def.Type] = table
	}

	estabs, err := e.groupByCompany(ctx, byEntity, core.EntityEstablishment)
	if err != nil {
		return nil, err
	}
	partners, err := e.groupByCompany(ctx, byEntity, core.EntityPartner)
	if err != nil {
		return nil, err
	}
	simples, err := e.groupByCompany(ctx, byEntity, core.EntitySimples)
	if err != nil {
		return nil, err
	}

	w, err := export.NewDocumentWriter(e.opts.Dir, DocumentDefinition)
	if err != nil {
		return nil, err
	}

	b := &documentBuilder{
		lookups:   lk,
		company:   newView(core.MustGet(core.EntityCompany)),
		estab:     newView(core.MustGet(core.EntityEstablishment)),
		partner:   newView(core.MustGet(core.EntityPartner)),
		simples:   newView(core.MustGet(core.EntitySimples)),
		estabs:    estabs,
		partners:  partners,
		simplesBy: simples,
	}

	var rows int64
	err = e.scan(ctx, companies, core.MustGet(core.EntityCompany), func(rec core.Record) error {
		rows++
		return w.WriteValue(b.build(rec))
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	e.log.Info("company documents written", "path", w.Path(), "documents", rows)
	return &Artifact{
		Entity: core.EntityCompanyDocument,
		Table:  DocumentDefinition.Table,
		Path:   w.Path(),
		Format: export.FormatJSONL,
		Rows:   rows,
	}, nil
}

func (e *Engine) scan(ctx context.Context, a Artifact, def core.EntityDefinition, fn func(core.Record) error) error {
	r, err := export.NewReader(a.Format, a.Path, def, e.opts.Export)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := r.Next(e.opts.ChunkRows)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", a.Path, err)
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) loadLookup(a Artifact, def core.EntityDefinition) (map[int64]string, error) {
	v := newView(def)
	table := make(map[int64]string)
	err := e.scan(context.Background(), a, def, func(rec core.Record) error {
		if code, ok := v.integer(rec, "codigo"); ok {
			table[code] = v.str(rec, "descricao")
		}
		return nil
	})
	return table, err
}

// groupByCompany reads entity's artifact into lists keyed by cnpj_basico,
// preserving source order within each company.
func (e *Engine) groupByCompany(ctx context.Context, byEntity map[core.EntityType]Artifact, entity core.EntityType) (map[string][]core.Record, error) {
	groups := make(map[string][]core.Record)
	a, ok := byEntity[entity]
	if !ok {
		return groups, nil
	}
	def := core.MustGet(entity)
	v := newView(def)
	err := e.scan(ctx, a, def, func(rec core.Record) error {
		key := v.str(rec, "cnpj_basico")
		groups[key] = append(groups[key], rec)
		return nil
	})
	return groups, err
}

type documentBuilder struct {
	lookups lookups

	company view
	estab   view
	partner view
	simples view

	estabs    map[string][]core.Record
	partners  map[string][]core.Record
	simplesBy map[string][]core.Record
}

func (b *documentBuilder) build(rec core.Record) CompanyDocument {
	c := b.company
	cnpj := c.str(rec, "cnpj_basico")

	doc := CompanyDocument{
		ID:               cnpj,
		CNPJBasico:       cnpj,
		RazaoSocial:      c.text(rec, "razao_social"),
		EnteFederativo:   c.text(rec, "ente_federativo_responsavel"),
		Estabelecimentos: []Establishment{},
		Socios:           []Partner{},
	}
	if code, ok := c.integer(rec, "natureza_juridica"); ok {
		doc.NaturezaJuridica = &Coded{Codigo: code, Descricao: b.lookups.describe(core.EntityLegalNature, code)}
	}
	if code, ok := c.integer(rec, "qualificacao_do_responsavel"); ok {
		doc.QualificacaoResponsavel = &Coded{Codigo: code, Descricao: b.lookups.describe(core.EntityQualification, code)}
	}
	if capital, ok := c.get(rec, "capital_social").(float64); ok {
		doc.CapitalSocial = capital
	}
	if porte := c.text(rec, "porte_da_empresa"); porte != nil {
		doc.Porte = &Coded{Codigo: *porte, Descricao: describePorte(*porte)}
	}

	for _, r := range b.estabs[cnpj] {
		doc.Estabelecimentos = append(doc.Estabelecimentos, b.establishment(r))
	}
	sort.SliceStable(doc.Estabelecimentos, func(i, j int) bool {
		a, z := doc.Estabelecimentos[i], doc.Estabelecimentos[j]
		if a.Matriz != z.Matriz {
			return a.Matriz
		}
		return a.CNPJ < z.CNPJ
	})

	for _, r := range b.partners[cnpj] {
		doc.Socios = append(doc.Socios, b.partnerDoc(r))
	}

	if rows := b.simplesBy[cnpj]; len(rows) > 0 {
		doc.Simples = b.simplesDoc(rows[len(rows)-1])
	}
	return doc
}

func (b *documentBuilder) establishment(rec core.Record) Establishment {
	v := b.estab
	basico, ordem, dv := v.str(rec, "cnpj_basico"), v.str(rec, "cnpj_ordem"), v.str(rec, "cnpj_dv")

	est := Establishment{
		CNPJ:                  basico + ordem + dv,
		CNPJFormatado:         formatCNPJ(basico, ordem, dv),
		NomeFantasia:          v.text(rec, "nome_fantasia"),
		DataSituacaoCadastral: v.date(rec, "data_situacao_cadastral"),
		DataInicioAtividade:   v.date(rec, "data_de_inicio_da_atividade"),
		CNAEsSecundarios:      splitList(v.str(rec, "cnae_fiscal_secundaria")),
		Endereco: Address{
			TipoLogradouro: v.text(rec, "tipo_de_logradouro"),
			Logradouro:     v.text(rec, "logradouro"),
			Numero:         v.text(rec, "numero"),
			Complemento:    v.text(rec, "complemento"),
			Bairro:         v.text(rec, "bairro"),
			CEP:            v.text(rec, "cep"),
			UF:             v.text(rec, "uf"),
		},
	}
	if code, ok := v.integer(rec, "identificador_matriz_filial"); ok {
		est.Matriz = code == 1
	}
	if code, ok := v.integer(rec, "situacao_cadastral"); ok {
		est.SituacaoCadastral = &Coded{Codigo: code, Descricao: describe(situacaoDescriptions, code, "Não informada")}
	}
	if code, ok := v.integer(rec, "motivo_situacao_cadastral"); ok {
		est.MotivoSituacaoCadastral = &Coded{Codigo: code, Descricao: b.lookups.describe(core.EntityMotive, code)}
	}
	if code, ok := v.integer(rec, "cnae_fiscal_principal"); ok {
		est.CNAEPrincipal = &Coded{Codigo: code, Descricao: b.lookups.describe(core.EntityCnae, code)}
	}
	if code, ok := v.integer(rec, "municipio"); ok {
		est.Endereco.Municipio = &Named{Codigo: code, Nome: b.lookups.describe(core.EntityMunicipality, code)}
	}
	if code, ok := v.integer(rec, "pais"); ok {
		est.Endereco.Pais = &Named{Codigo: code, Nome: b.lookups.describe(core.EntityCountry, code)}
	}

	contact := Contact{
		Telefone1: phone(v.str(rec, "ddd1"), v.str(rec, "telefone1")),
		Telefone2: phone(v.str(rec, "ddd2"), v.str(rec, "telefone2")),
		Fax:       phone(v.str(rec, "ddd_do_fax"), v.str(rec, "fax")),
		Email:     strings.ToLower(v.str(rec, "correio_eletronico")),
	}
	if contact != (Contact{}) {
		est.Contato = &contact
	}
	return est
}

func (b *documentBuilder) partnerDoc(rec core.Record) Partner {
	v := b.partner
	p := Partner{
		Nome:        v.text(rec, "nome_do_socio"),
		Documento:   v.text(rec, "cnpj_ou_cpf_do_socio"),
		DataEntrada: v.date(rec, "data_de_entrada_sociedade"),
	}
	if code, ok := v.integer(rec, "identificador_de_socio"); ok {
		p.Tipo = &Coded{Codigo: code, Descricao: describe(partnerTypeDescriptions, code, "Não informado")}
	}
	if code, ok := v.integer(rec, "qualificacao_do_socio"); ok {
		p.Qualificacao = &Coded{Codigo: code, Descricao: b.lookups.describe(core.EntityQualification, code)}
	}
	if code, ok := v.integer(rec, "pais"); ok {
		p.Pais = &Named{Codigo: code, Nome: b.lookups.describe(core.EntityCountry, code)}
	}
	if doc := v.str(rec, "representante_legal"); doc != "" && doc != maskedRepresentative {
		rep := &LegalRepresentative{
			Documento: &doc,
			Nome:      v.text(rec, "nome_do_representante"),
		}
		if code, ok := v.integer(rec, "qualificacao_do_representante_legal"); ok {
			rep.Qualificacao = &Coded{Codigo: code, Descricao: b.lookups.describe(core.EntityQualification, code)}
		}
		p.RepresentanteLegal = rep
	}
	if n, ok := v.integer(rec, "faixa_etaria"); ok {
		p.FaixaEtaria = &n
	}
	return p
}

func (b *documentBuilder) simplesDoc(rec core.Record) *Simples {
	v := b.simples
	return &Simples{
		OptanteSimples:      v.str(rec, "opcao_pelo_simples") == "S",
		DataOpcaoSimples:    v.date(rec, "data_opcao_simples"),
		DataExclusaoSimples: v.date(rec, "data_exclusao_simples"),
		OptanteMEI:          v.str(rec, "opcao_pelo_mei") == "S",
		DataOpcaoMEI:        v.date(rec, "data_opcao_mei"),
		DataExclusaoMEI:     v.date(rec, "data_exclusao_mei"),
	}
}

func describe(table map[int64]string, code int64, fallback string) *string {
	d, ok := table[code]
	if !ok {
		d = fallback
	}
	return &d
}

func describePorte(code string) *string {
	if len(code) < 2 {
		code = strings.Repeat("0", 2-len(code)) + code
	}
	d, ok := porteDescriptions[code]
	if !ok {
		d = porteDescriptions["00"]
	}
	return &d
}

// formatCNPJ renders the 00.000.000/0000-00 form.
func formatCNPJ(basico, ordem, dv string) string {
	if len(basico) != 8 {
		return basico + ordem + dv
	}
	return fmt.Sprintf("%s.%s.%s/%s-%s", basico[:2], basico[2:5], basico[5:8], ordem, dv)
}

func phone(ddd, number string) string {
	if ddd == "" || number == "" {
		return ""
	}
	return "(" + ddd + ") " + number
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
